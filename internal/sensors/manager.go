package sensors

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/factory-core/internal/router"
	"github.com/nerrad567/factory-core/internal/transport"
)

// Name is the manager key in the gateway routing hints.
const Name = "sensor_manager"

// Sensor kinds.
const (
	KindBME680 = "bme680"
	KindLDR    = "ldr"
	KindCamera = "cam"
)

// Default sensor topics of TXT controller 1.
const (
	DefaultBME680Topic = "/j1/txt/1/i/bme680"
	DefaultLDRTopic    = "/j1/txt/1/i/ldr"
	DefaultCameraTopic = "/j1/txt/1/i/cam"
)

// ErrInvalidPayload is returned for sensor messages that are not JSON objects.
var ErrInvalidPayload = errors.New("sensors: payload is not an object")

// Topics names the topic of every sensor kind.
type Topics struct {
	BME680 string
	LDR    string
	Camera string
}

// DefaultTopics returns the topics of TXT controller 1.
func DefaultTopics() Topics {
	return Topics{BME680: DefaultBME680Topic, LDR: DefaultLDRTopic, Camera: DefaultCameraTopic}
}

// Source is the read side of the transport buffers. *transport.Client
// implements it. LatestWithCount must return the message and the counter
// from one consistent snapshot; the reading cache is keyed on the counter.
type Source interface {
	LatestWithCount(topic string) (transport.Message, uint64, bool)
	ReceivedCount(topic string) uint64
}

// Sink receives numeric sensor readings, typically for a time-series store.
type Sink interface {
	WriteSensorReading(sensor string, fields map[string]float64, ts time.Time)
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

// WithSink forwards numeric readings to s.
func WithSink(s Sink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithTopics overrides the sensor topics. Empty fields keep the default.
func WithTopics(t Topics) Option {
	return func(m *Manager) {
		if t.BME680 != "" {
			m.topics.BME680 = t.BME680
		}
		if t.LDR != "" {
			m.topics.LDR = t.LDR
		}
		if t.Camera != "" {
			m.topics.Camera = t.Camera
		}
	}
}

// BME680Reading is the latest environment sensor reading.
type BME680Reading struct {
	Temperature float64   `json:"t"`
	Humidity    float64   `json:"h"`
	Pressure    float64   `json:"p"`
	Gas         float64   `json:"gas"`
	IAQ         float64   `json:"iaq"`
	Timestamp   time.Time `json:"timestamp"`
	Count       uint64    `json:"count"`
}

// LDRReading is the latest photoresistor reading.
type LDRReading struct {
	LDR        float64   `json:"ldr"`
	Brightness *float64  `json:"br,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Count      uint64    `json:"count"`
}

// CameraFrame is the latest camera image.
type CameraFrame struct {
	Image     []byte    `json:"image"`
	Format    string    `json:"format"`
	Timestamp time.Time `json:"timestamp"`
	Count     uint64    `json:"count"`
}

// Snapshot is the latest reading of every sensor; absent sensors are nil.
type Snapshot struct {
	BME680 *BME680Reading `json:"bme680"`
	LDR    *LDRReading    `json:"ldr"`
	Camera *CameraFrame   `json:"cam"`
}

// Manager derives typed sensor readings from the transport buffers.
//
// The only state is a cache of derived readings, dropped for a sensor
// whenever a new message of that sensor is processed.
type Manager struct {
	source Source
	sink   Sink
	topics Topics
	logger Logger

	mu    sync.Mutex
	cache map[string]any
}

// NewManager creates a manager reading from source.
func NewManager(source Source, opts ...Option) *Manager {
	m := &Manager{
		source: source,
		topics: DefaultTopics(),
		logger: noopLogger{},
		cache:  make(map[string]any),
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
		m.topics.BME680: m.ProcessSensorMessage,
		m.topics.LDR:    m.ProcessSensorMessage,
		m.topics.Camera: m.ProcessSensorMessage,
	}
}

// Topics returns the configured sensor topics.
func (m *Manager) Topics() Topics { return m.topics }

// ProcessSensorMessage invalidates the cached reading of the sensor and
// forwards numeric fields to the sink.
func (m *Manager) ProcessSensorMessage(topic string, payload any, meta router.Meta) error {
	obj, ok := payload.(map[string]any)
	if !ok {
		return ErrInvalidPayload
	}
	kind := m.kindOf(topic)
	if kind == "" {
		m.logger.Debug("message on unknown sensor topic", "topic", topic)
		return nil
	}

	m.mu.Lock()
	delete(m.cache, kind)
	m.mu.Unlock()

	if m.sink != nil && kind != KindCamera {
		if fields := numericFields(obj); len(fields) > 0 {
			ts := meta.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			m.sink.WriteSensorReading(kind, fields, ts)
		}
	}
	return nil
}

// BME680 returns the latest environment reading.
func (m *Manager) BME680() (BME680Reading, bool) {
	v, ok := m.derive(KindBME680, m.topics.BME680, func(obj map[string]any, msg transport.Message, count uint64) any {
		gas, ok := number(obj, "gas")
		if !ok {
			gas, _ = number(obj, "gr")
		}
		r := BME680Reading{Gas: gas, Timestamp: msg.Timestamp, Count: count}
		r.Temperature, _ = number(obj, "t")
		r.Humidity, _ = number(obj, "h")
		r.Pressure, _ = number(obj, "p")
		r.IAQ, _ = number(obj, "iaq")
		return r
	})
	if !ok {
		return BME680Reading{}, false
	}
	return v.(BME680Reading), true
}

// LDR returns the latest photoresistor reading.
func (m *Manager) LDR() (LDRReading, bool) {
	v, ok := m.derive(KindLDR, m.topics.LDR, func(obj map[string]any, msg transport.Message, count uint64) any {
		r := LDRReading{Timestamp: msg.Timestamp, Count: count}
		r.LDR, _ = number(obj, "ldr")
		if br, ok := number(obj, "br"); ok {
			r.Brightness = &br
		}
		return r
	})
	if !ok {
		return LDRReading{}, false
	}
	r := v.(LDRReading)
	if r.Brightness != nil {
		br := *r.Brightness
		r.Brightness = &br
	}
	return r, true
}

// Camera returns the latest camera frame with the image decoded.
func (m *Manager) Camera() (CameraFrame, bool) {
	v, ok := m.derive(KindCamera, m.topics.Camera, func(obj map[string]any, msg transport.Message, count uint64) any {
		data, _ := obj["data"].(string)
		image, format, err := decodeImage(data)
		if err != nil {
			m.logger.Warn("undecodable camera frame", "topic", msg.Topic, "error", err)
			return nil
		}
		return CameraFrame{Image: image, Format: format, Timestamp: msg.Timestamp, Count: count}
	})
	if !ok {
		return CameraFrame{}, false
	}
	f := v.(CameraFrame)
	f.Image = bytes.Clone(f.Image)
	return f, true
}

// Snapshot returns the latest reading of every sensor.
func (m *Manager) Snapshot() Snapshot {
	var s Snapshot
	if r, ok := m.BME680(); ok {
		s.BME680 = &r
	}
	if r, ok := m.LDR(); ok {
		s.LDR = &r
	}
	if f, ok := m.Camera(); ok {
		s.Camera = &f
	}
	return s
}

// Counts returns the number of messages received per sensor kind.
func (m *Manager) Counts() map[string]uint64 {
	return map[string]uint64{
		KindBME680: m.source.ReceivedCount(m.topics.BME680),
		KindLDR:    m.source.ReceivedCount(m.topics.LDR),
		KindCamera: m.source.ReceivedCount(m.topics.Camera),
	}
}

type deriveFunc func(obj map[string]any, msg transport.Message, count uint64) any

// derive returns the cached reading of kind, computing it from the latest
// buffered message when the cache is empty or stale.
func (m *Manager) derive(kind, topic string, fn deriveFunc) (any, bool) {
	msg, count, ok := m.source.LatestWithCount(topic)
	if !ok {
		return nil, false
	}
	obj, ok := msg.Payload.(map[string]any)
	if !ok {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cache[kind].(cached); ok && c.count == count {
		return c.value, true
	}
	v := fn(obj, msg, count)
	if v == nil {
		return nil, false
	}
	m.cache[kind] = cached{count: count, value: v}
	return v, true
}

type cached struct {
	count uint64
	value any
}

func (m *Manager) kindOf(topic string) string {
	switch topic {
	case m.topics.BME680:
		return KindBME680
	case m.topics.LDR:
		return KindLDR
	case m.topics.Camera:
		return KindCamera
	}
	return ""
}

func number(obj map[string]any, key string) (float64, bool) {
	switch v := obj[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func numericFields(obj map[string]any) map[string]float64 {
	out := make(map[string]float64)
	for k := range obj {
		if v, ok := number(obj, k); ok {
			out[k] = v
		}
	}
	return out
}

// decodeImage decodes a base-64 frame, optionally wrapped in a data URL,
// and sniffs its format.
func decodeImage(data string) ([]byte, string, error) {
	format := ""
	if strings.HasPrefix(data, "data:") {
		header, body, found := strings.Cut(data, ",")
		if !found {
			return nil, "", errors.New("sensors: malformed data URL")
		}
		mime := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		format = strings.TrimPrefix(mime, "image/")
		data = body
	}

	image, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, "", err
	}
	if format == "" {
		format = sniffFormat(image)
	}
	return image, format, nil
}

func sniffFormat(b []byte) string {
	switch {
	case bytes.HasPrefix(b, []byte{0xFF, 0xD8, 0xFF}):
		return "jpeg"
	case bytes.HasPrefix(b, []byte("\x89PNG")):
		return "png"
	default:
		return "unknown"
	}
}
