package messages

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/factory-core/internal/metrics"
	"github.com/nerrad567/factory-core/internal/registry"
	"github.com/nerrad567/factory-core/internal/transport"
)

// Transport is the part of transport.Client the manager uses.
type Transport interface {
	Publish(ctx context.Context, topic string, payload any, opts ...transport.PublishOption) error
	Buffers() map[string][]transport.Message
	Latest(topic string) (transport.Message, bool)
	ReceivedCounts() map[string]uint64
	ClearBuffers()
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

// Report is the outcome of ValidateMessage.
type Report struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Valid reports whether the report carries no errors.
func (r Report) Valid() bool { return len(r.Errors) == 0 }

// Manager is the per-domain message façade over the registry and the
// transport. It holds no message state of its own.
type Manager struct {
	domain    string
	reg       *registry.Registry
	role      registry.ClientRole
	transport Transport
	generator *Generator
	logger    Logger
	metrics   *metrics.Metrics
}

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

// WithGenerator replaces the default payload generator.
func WithGenerator(g *Generator) Option {
	return func(m *Manager) {
		if g != nil {
			m.generator = g
		}
	}
}

// WithMetrics counts rejected publishes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates the message manager of domain.
func NewManager(domain string, reg *registry.Registry, role registry.ClientRole, t Transport, opts ...Option) *Manager {
	m := &Manager{
		domain:    domain,
		reg:       reg,
		role:      role,
		transport: t,
		generator: NewGenerator(),
		logger:    noopLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// =============================================================================
// Generation and validation
// =============================================================================

// GenerateMessage builds an example payload for topic from its bound
// schema, with params deep-merged on top. It reports false when no schema
// is bound to the topic.
func (m *Manager) GenerateMessage(topic string, params map[string]any) (any, bool) {
	schema, ok := m.reg.TopicSchema(topic)
	if !ok || schema == nil {
		return nil, false
	}
	payload := m.generator.Generate(schema.Root)
	if len(params) > 0 {
		payload = Merge(payload, params)
	}
	return payload, true
}

// ValidateMessage checks payload against the schema bound to topic.
// A topic without a schema yields one error; a registry without a
// validator yields one warning and no errors.
func (m *Manager) ValidateMessage(topic string, payload any) Report {
	report := Report{Errors: []string{}, Warnings: []string{}}

	schema, ok := m.reg.TopicSchema(topic)
	if !ok || schema == nil {
		report.Errors = append(report.Errors, fmt.Sprintf("no schema bound to topic %s", topic))
		return report
	}

	v := m.reg.Validator()
	if v == nil {
		report.Warnings = append(report.Warnings, "schema validation unavailable, payload not checked")
		return report
	}

	for _, fe := range v.Validate(schema, payload) {
		report.Errors = append(report.Errors, fe.String())
	}
	return report
}

// ValidateInbound returns the schema violations of a received payload.
// Topics without a schema and registries without a validator pass.
func (m *Manager) ValidateInbound(topic string, payload any) []SchemaValidationError {
	_, violations, ok := m.reg.Violations(topic, payload)
	if !ok {
		return nil
	}

	var out []SchemaValidationError
	for _, fe := range violations {
		out = append(out, SchemaValidationError{Topic: topic, Path: fe.Path, Message: fe.Message})
	}
	return out
}

// =============================================================================
// Publishing
// =============================================================================

// CanPublish reports whether topic is in the domain's published set.
func (m *Manager) CanPublish(topic string) bool {
	_, ok := m.role.PublishedRef(topic)
	return ok
}

// PublishMessage publishes payload on topic after checking that the domain
// may publish there and that the payload satisfies the bound schema.
// Refusals are returned as *ConfigurationError and nothing reaches the
// transport. payload may be raw JSON text ([]byte, json.RawMessage or
// string) or any JSON-encodable value.
func (m *Manager) PublishMessage(ctx context.Context, topic string, payload any, opts ...transport.PublishOption) error {
	if !m.CanPublish(topic) {
		m.metrics.Published(m.domain, "rejected")
		return &ConfigurationError{
			Detail: fmt.Sprintf("domain %s does not publish %s", m.domain, topic),
			Err:    ErrNotPublished,
		}
	}

	doc, err := normalise(payload)
	if err != nil {
		m.metrics.Published(m.domain, "rejected")
		return &ConfigurationError{Detail: fmt.Sprintf("%s: %v", topic, err), Err: ErrInvalidPayload}
	}

	if violations := m.ValidateInbound(topic, doc); len(violations) > 0 {
		for i := range violations {
			m.logger.Error("publish rejected by schema", "error", &violations[i])
		}
		m.metrics.Published(m.domain, "rejected")
		return &ConfigurationError{
			Detail:     fmt.Sprintf("%s: %d schema violation(s): %s", topic, len(violations), violations[0].Message),
			Violations: violations,
			Err:        ErrSchemaValidation,
		}
	}

	return m.transport.Publish(ctx, topic, doc, opts...)
}

// normalise turns payload into plain JSON values so validation sees what
// the broker will receive.
func normalise(payload any) (any, error) {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case json.RawMessage:
		data = p
	case string:
		data = []byte(p)
	default:
		var err error
		if data, err = json.Marshal(p); err != nil {
			return nil, err
		}
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// =============================================================================
// Buffers
// =============================================================================

// AllMessageBuffers returns a snapshot of every topic buffer.
func (m *Manager) AllMessageBuffers() map[string][]transport.Message {
	return m.transport.Buffers()
}

// MessageCountByTopic returns how many messages each topic currently
// holds in its buffer. It is empty after ClearMessageHistory.
func (m *Manager) MessageCountByTopic() map[string]uint64 {
	buffers := m.transport.Buffers()
	out := make(map[string]uint64, len(buffers))
	for topic, msgs := range buffers {
		out[topic] = uint64(len(msgs))
	}
	return out
}

// ReceivedCountByTopic returns how many messages each topic received since
// the transport was created, including evicted and cleared ones.
func (m *Manager) ReceivedCountByTopic() map[string]uint64 {
	return m.transport.ReceivedCounts()
}

// LatestMessageByTopic returns the newest buffered message of every topic.
func (m *Manager) LatestMessageByTopic() map[string]transport.Message {
	buffers := m.transport.Buffers()
	out := make(map[string]transport.Message, len(buffers))
	for topic, msgs := range buffers {
		if len(msgs) > 0 {
			out[topic] = msgs[len(msgs)-1]
		}
	}
	return out
}

// LatestMessage returns the newest buffered message of topic.
func (m *Manager) LatestMessage(topic string) (transport.Message, bool) {
	return m.transport.Latest(topic)
}

// LastMessageAt returns when topic last received a message.
func (m *Manager) LastMessageAt(topic string) (time.Time, bool) {
	msg, ok := m.transport.Latest(topic)
	if !ok {
		return time.Time{}, false
	}
	return msg.Timestamp, true
}

// ClearMessageHistory empties every topic buffer.
func (m *Manager) ClearMessageHistory() {
	m.transport.ClearBuffers()
	m.logger.Info("message history cleared")
}
