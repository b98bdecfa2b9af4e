package transport

import (
	"context"
	"sort"
	"sync"

	"github.com/nerrad567/factory-core/internal/infrastructure/mqtt"
)

// Backend is the publish/subscribe session a Client drives.
// *mqtt.Client satisfies it for the replay and live environments;
// MockBackend serves the mock environment.
type Backend interface {
	Subscribe(filter string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(filter string) error
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
	Close() error
}

// Dialer opens a Backend for the resolved session settings.
type Dialer func(ctx context.Context, s mqtt.Settings) (Backend, error)

// DialMQTT connects a paho-backed session.
func DialMQTT(ctx context.Context, s mqtt.Settings) (Backend, error) {
	c, err := mqtt.Connect(ctx, s)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Published is one message accepted by a MockBackend.
type Published struct {
	Topic    string `json:"topic"`
	Payload  []byte `json:"payload"`
	QoS      byte   `json:"qos"`
	Retained bool   `json:"retained"`
}

// MockBackend is an in-process Backend with no network I/O.
// Publishes always succeed unless PublishErr is set and are recorded for
// inspection; messages arrive only through Deliver.
type MockBackend struct {
	mu        sync.Mutex
	subs      map[string]mockSub
	published []Published
	closed    bool

	// PublishErr, when non-nil, is returned by every Publish.
	PublishErr error
}

type mockSub struct {
	qos     byte
	handler mqtt.MessageHandler
}

// NewMockBackend returns an open MockBackend.
func NewMockBackend() *MockBackend {
	return &MockBackend{subs: make(map[string]mockSub)}
}

// Subscribe records the subscription.
func (m *MockBackend) Subscribe(filter string, qos byte, handler mqtt.MessageHandler) error {
	if err := mqtt.ValidateFilter(filter); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[filter] = mockSub{qos: qos, handler: handler}
	return nil
}

// Unsubscribe forgets the subscription.
func (m *MockBackend) Unsubscribe(filter string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, filter)
	return nil
}

// Publish records the message.
func (m *MockBackend) Publish(_ context.Context, topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.published = append(m.published, Published{
		Topic:    topic,
		Payload:  append([]byte(nil), payload...),
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

// IsConnected reports true until Close.
func (m *MockBackend) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

// Close marks the backend closed and drops subscriptions.
func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[string]mockSub)
	return nil
}

// reopen makes a closed backend usable again for the next mock session.
func (m *MockBackend) reopen() {
	m.mu.Lock()
	m.closed = false
	m.mu.Unlock()
}

// Deliver hands payload to the handler of the first subscription whose
// filter matches topic, like a broker delivering once per client. It
// reports whether a subscription matched. The handler runs on the caller's
// goroutine.
func (m *MockBackend) Deliver(topic string, payload []byte) bool {
	m.mu.Lock()
	var handler mqtt.MessageHandler
	for filter, sub := range m.subs {
		if mqtt.Match(filter, topic) {
			handler = sub.handler
			break
		}
	}
	m.mu.Unlock()

	if handler == nil {
		return false
	}
	_ = handler(topic, payload) //nolint:errcheck // client handlers never fail
	return true
}

// Published returns every recorded publish in order.
func (m *MockBackend) Published() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Published, len(m.published))
	copy(out, m.published)
	return out
}

// Subscriptions returns the recorded filters sorted.
func (m *MockBackend) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subs))
	for f := range m.subs {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
