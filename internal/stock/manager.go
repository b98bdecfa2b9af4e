// Package stock keeps the high-bay warehouse inventory snapshot.
//
// The warehouse is a 3×3 grid, rows A to C and columns 1 to 3. Every stock
// message replaces the whole snapshot; counts of available workpieces and
// the need per colour are derived on read.
package stock

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/factory-core/internal/router"
)

// Name is the manager key in the gateway routing hints.
const Name = "stock_manager"

// TopicPattern is the stock topic of every TXT controller.
const TopicPattern = "/j1/txt/+/f/i/stock"

// DefaultMaxCapacity is the number of workpieces of one colour the
// warehouse aims to hold.
const DefaultMaxCapacity = 3

// Domain errors.
var (
	ErrInvalidPayload = errors.New("stock: payload is not a stock message")
	ErrNoStockData    = errors.New("stock: payload has neither stockItems nor loads")
)

// Color is a workpiece colour. The empty Color marks an empty cell and
// encodes as JSON null.
type Color string

// Workpiece colours.
const (
	Red   Color = "RED"
	Blue  Color = "BLUE"
	White Color = "WHITE"
)

// Colors lists the accepted workpiece colours.
var Colors = []Color{Red, Blue, White}

// Locations lists the grid cells in row-major order.
var Locations = []string{"A1", "A2", "A3", "B1", "B2", "B3", "C1", "C2", "C3"}

// MarshalJSON encodes the empty colour as null.
func (c Color) MarshalJSON() ([]byte, error) {
	if c == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(c))
}

// Valid reports whether c is one of the accepted colours.
func (c Color) Valid() bool {
	switch c {
	case Red, Blue, White:
		return true
	}
	return false
}

// Status is the derived inventory view.
type Status struct {
	Inventory   map[string]Color `json:"inventory"`
	Available   map[Color]int    `json:"available"`
	Need        map[Color]int    `json:"need"`
	MaxCapacity int              `json:"max_capacity"`
	LastUpdate  *time.Time       `json:"last_update,omitempty"`
}

// Logger is the logging interface used by the manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMaxCapacity sets the target count per colour. Non-positive values
// keep the default.
func WithMaxCapacity(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxCapacity = n
		}
	}
}

// Manager holds the latest warehouse snapshot.
//
// Thread Safety: all methods are safe for concurrent use.
type Manager struct {
	mu          sync.RWMutex
	cells       map[string]Color
	lastUpdate  time.Time
	maxCapacity int
	logger      Logger
}

// NewManager creates a manager with an empty grid.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		cells:       emptyGrid(),
		maxCapacity: DefaultMaxCapacity,
		logger:      noopLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name implements router.Component.
func (m *Manager) Name() string { return Name }

// DispatchTable implements router.Component.
func (m *Manager) DispatchTable() router.DispatchTable {
	return router.DispatchTable{TopicPattern: m.ProcessStockMessage}
}

// ProcessStockMessage replaces the snapshot with the contents of payload.
//
// Both the stockItems form ({location, workpiece: {type}}) and the legacy
// loads form ({position, workpiece}) are accepted. Cells with an unknown
// location or colour are left empty.
func (m *Manager) ProcessStockMessage(topic string, payload any, meta router.Meta) error {
	obj, ok := payload.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: got %T", ErrInvalidPayload, payload)
	}

	var (
		entries []any
		locKey  string
	)
	if items, ok := obj["stockItems"]; ok {
		entries, locKey = asList(items), "location"
	} else if loads, ok := obj["loads"]; ok {
		entries, locKey = asList(loads), "position"
	} else {
		return ErrNoStockData
	}

	grid := emptyGrid()
	for _, item := range entries {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		loc, _ := entry[locKey].(string)
		if _, known := grid[loc]; !known {
			m.logger.Warn("ignoring stock entry with unknown location", "topic", topic, "location", loc)
			continue
		}
		color := workpieceColor(entry["workpiece"])
		if color == "" {
			continue
		}
		if !color.Valid() {
			m.logger.Warn("ignoring stock entry with unknown colour", "topic", topic, "location", loc, "colour", string(color))
			continue
		}
		grid[loc] = color
	}

	ts := meta.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	m.mu.Lock()
	m.cells = grid
	m.lastUpdate = ts
	m.mu.Unlock()
	return nil
}

// Inventory returns a copy of the grid.
func (m *Manager) Inventory() map[string]Color {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyGrid(m.cells)
}

// AvailableWorkpieces counts the workpieces per colour.
func (m *Manager) AvailableWorkpieces() map[Color]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return count(m.cells)
}

// WorkpieceNeed returns how many workpieces of each colour are missing to
// reach the maximum capacity.
func (m *Manager) WorkpieceNeed() map[Color]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return need(count(m.cells), m.maxCapacity)
}

// InventoryStatus returns the grid together with the derived counts.
func (m *Manager) InventoryStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	available := count(m.cells)
	st := Status{
		Inventory:   copyGrid(m.cells),
		Available:   available,
		Need:        need(available, m.maxCapacity),
		MaxCapacity: m.maxCapacity,
	}
	if !m.lastUpdate.IsZero() {
		ts := m.lastUpdate
		st.LastUpdate = &ts
	}
	return st
}

// MaxCapacity returns the configured target per colour.
func (m *Manager) MaxCapacity() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxCapacity
}

// workpieceColor reads the colour of a workpiece field, which is an object
// with a type, a bare colour string or null.
func workpieceColor(v any) Color {
	switch wp := v.(type) {
	case map[string]any:
		s, _ := wp["type"].(string)
		return Color(s)
	case string:
		return Color(wp)
	default:
		return ""
	}
}

func asList(v any) []any {
	list, _ := v.([]any)
	return list
}

func emptyGrid() map[string]Color {
	grid := make(map[string]Color, len(Locations))
	for _, loc := range Locations {
		grid[loc] = ""
	}
	return grid
}

func copyGrid(g map[string]Color) map[string]Color {
	out := make(map[string]Color, len(g))
	for k, v := range g {
		out[k] = v
	}
	return out
}

func count(g map[string]Color) map[Color]int {
	out := make(map[Color]int, len(Colors))
	for _, c := range Colors {
		out[c] = 0
	}
	for _, c := range g {
		if c != "" {
			out[c]++
		}
	}
	return out
}

func need(available map[Color]int, maxCapacity int) map[Color]int {
	out := make(map[Color]int, len(Colors))
	for _, c := range Colors {
		out[c] = max(0, maxCapacity-available[c])
	}
	return out
}
