package orders

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/factory-core/internal/router"
)

// Name is the manager key in the gateway routing hints.
const Name = "order_manager"

// Topics handled by the manager.
const (
	TopicActive    = "ccu/order/active"
	TopicCompleted = "ccu/order/completed"
)

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

// Manager is the authoritative view of CCU orders for one domain.
//
// Active and completed orders never share a key. Steps are stored per order
// as last received, with the completion rule applied.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Read methods return deep copies.
type Manager struct {
	mu        sync.RWMutex
	active    map[string]*Order
	completed map[string]*Order
	steps     map[string][]Step
	logger    Logger
}

// NewManager creates an empty order manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		active:    make(map[string]*Order),
		completed: make(map[string]*Order),
		steps:     make(map[string][]Step),
		logger:    noopLogger{},
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
	return router.DispatchTable{
		TopicActive:    m.ProcessCCUOrderActive,
		TopicCompleted: m.ProcessCCUOrderCompleted,
	}
}

// ProcessCCUOrderActive upserts every order of payload into the active set
// and replaces its stored steps.
//
// Orders already completed are ignored. Orders missing from the payload
// stay active until they complete.
func (m *Manager) ProcessCCUOrderActive(topic string, payload any, meta router.Meta) error {
	list, err := orderList(payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for i, obj := range list {
		id, ok := obj["orderId"].(string)
		if !ok || id == "" {
			errs = append(errs, fmt.Errorf("%w: entry %d", ErrMissingOrderID, i))
			continue
		}
		if _, done := m.completed[id]; done {
			m.logger.Debug("ignoring active update for completed order", "order_id", id)
			continue
		}

		order := decodeOrder(id, obj)
		if prev, ok := m.active[id]; ok && order.ReceivedAt.IsZero() {
			order.ReceivedAt = prev.ReceivedAt
		}
		if order.ReceivedAt.IsZero() {
			order.ReceivedAt = meta.Timestamp
		}
		if order.Status == "" {
			order.Status = StateInProgress
		}

		steps := decodeSteps(obj[stepsField])
		enhanceNavigation(steps)
		m.steps[id] = steps
		order.ProductionSteps = cloneSteps(steps)
		m.active[id] = order
	}

	m.logger.Debug("processed active orders", "topic", topic, "count", len(list), "active", len(m.active))
	return errors.Join(errs...)
}

// ProcessCCUOrderCompleted moves every order of payload to the completed
// set. Completed orders always end with status COMPLETED and, when they
// have steps, a last step in state COMPLETED.
func (m *Manager) ProcessCCUOrderCompleted(topic string, payload any, meta router.Meta) error {
	list, err := orderList(payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for i, obj := range list {
		id, ok := obj["orderId"].(string)
		if !ok || id == "" {
			errs = append(errs, fmt.Errorf("%w: entry %d", ErrMissingOrderID, i))
			continue
		}

		var order *Order
		if prev, ok := m.active[id]; ok {
			order = prev
			delete(m.active, id)
			mergeCompletion(order, obj)
		} else {
			order = decodeOrder(id, obj)
			if order.ReceivedAt.IsZero() {
				order.ReceivedAt = meta.Timestamp
			}
		}

		if raw, ok := obj[stepsField]; ok {
			m.steps[id] = decodeSteps(raw)
		}
		steps := m.steps[id]
		if n := len(steps); n > 0 {
			steps[n-1].State = StateCompleted
		}

		ts := meta.Timestamp
		order.CompletedTimestamp = &ts
		order.Status = StateCompleted
		order.ProductionSteps = cloneSteps(steps)
		m.completed[id] = order
	}

	m.logger.Debug("processed completed orders", "topic", topic, "count", len(list), "completed", len(m.completed))
	return errors.Join(errs...)
}

// ActiveOrders returns the active orders, oldest first.
func (m *Manager) ActiveOrders() []Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedCopies(m.active)
}

// CompletedOrders returns the completed orders, oldest first.
func (m *Manager) CompletedOrders() []Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedCopies(m.completed)
}

// OrderByID returns the active or completed order with id.
func (m *Manager) OrderByID(id string) (Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.active[id]; ok {
		return o.clone(), true
	}
	if o, ok := m.completed[id]; ok {
		return o.clone(), true
	}
	return Order{}, false
}

// CompleteOrderPlan returns the stored steps of the order with navigation
// enhancement applied. It is empty when no steps were received.
func (m *Manager) CompleteOrderPlan(id string) []Step {
	m.mu.RLock()
	steps := cloneSteps(m.steps[id])
	m.mu.RUnlock()

	if steps == nil {
		return []Step{}
	}
	enhanceNavigation(steps)
	return steps
}

// Steps returns the stored steps of the order exactly as held.
func (m *Manager) Steps(id string) []Step {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if steps := cloneSteps(m.steps[id]); steps != nil {
		return steps
	}
	return []Step{}
}

// Counts returns the number of active and completed orders.
func (m *Manager) Counts() (active, completed int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active), len(m.completed)
}

// enhanceNavigation promotes the first ENQUEUED step to IN_PROGRESS when it
// is a navigation step and no manufacture step is running. The promotion is
// a display hint and is never published back.
func enhanceNavigation(steps []Step) {
	for _, s := range steps {
		if s.Type == StepManufacture && s.State == StateInProgress {
			return
		}
	}
	for i := range steps {
		if steps[i].State != StateEnqueued {
			continue
		}
		if steps[i].Type == StepNavigation {
			steps[i].State = StateInProgress
		}
		return
	}
}

func orderList(payload any) ([]map[string]any, error) {
	switch v := payload.(type) {
	case map[string]any:
		return []map[string]any{v}, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for i, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: entry %d is %T", ErrInvalidPayload, i, item)
			}
			out = append(out, obj)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrInvalidPayload, payload)
	}
}

// stepsField is kept out of Order.Fields; ProductionSteps holds the steps
// with the completion rules applied.
const stepsField = "productionSteps"

func decodeOrder(id string, obj map[string]any) *Order {
	o := &Order{
		OrderID:       id,
		OrderType:     str(obj, "orderType"),
		WorkpieceType: str(obj, "type"),
		State:         str(obj, "state"),
		Status:        str(obj, "state"),
		StartedAt:     timestamp(obj, "startedAt"),
		FinishedAt:    timestamp(obj, "finishedAt"),
		Fields:        deepCopy(obj).(map[string]any),
	}
	delete(o.Fields, stepsField)
	if t := timestamp(obj, "receivedAt"); t != nil {
		o.ReceivedAt = *t
	}
	return o
}

// mergeCompletion overlays a completion payload onto an active order. Fields
// absent from the payload keep their active values.
func mergeCompletion(o *Order, obj map[string]any) {
	if o.Fields == nil {
		o.Fields = make(map[string]any, len(obj))
	}
	for k, v := range obj {
		if k == stepsField {
			continue
		}
		o.Fields[k] = deepCopy(v)
	}
	if v := str(obj, "orderType"); v != "" {
		o.OrderType = v
	}
	if v := str(obj, "type"); v != "" {
		o.WorkpieceType = v
	}
	if v, ok := obj["state"].(string); ok {
		o.State = v
	}
	if t := timestamp(obj, "startedAt"); t != nil {
		o.StartedAt = t
	}
	o.FinishedAt = timestamp(obj, "finishedAt")
}

func decodeSteps(raw any) []Step {
	list, ok := raw.([]any)
	if !ok {
		return []Step{}
	}
	steps := make([]Step, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		s := Step{
			ID:         str(obj, "id"),
			Type:       str(obj, "type"),
			State:      str(obj, "state"),
			Source:     str(obj, "source"),
			Target:     str(obj, "target"),
			ModuleType: str(obj, "moduleType"),
			Command:    str(obj, "command"),
		}
		for k, v := range obj {
			switch k {
			case "id", "type", "state", "source", "target", "moduleType", "command":
			default:
				if s.Extra == nil {
					s.Extra = make(map[string]any)
				}
				s.Extra[k] = deepCopy(v)
			}
		}
		steps = append(steps, s)
	}
	return steps
}

func str(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

func timestamp(obj map[string]any, key string) *time.Time {
	s, ok := obj[key].(string)
	if !ok || s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func sortedCopies(set map[string]*Order) []Order {
	out := make([]Order, 0, len(set))
	for _, o := range set {
		out = append(out, o.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}
