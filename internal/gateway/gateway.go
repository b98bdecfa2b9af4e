// Package gateway is the per-domain façade the presentation layer talks to.
//
// It delegates to the registry, the transport client, the message manager
// and the domain managers, and adds no state of its own beyond recording
// every publish attempt to the audit trail.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/nerrad567/factory-core/internal/audit"
	"github.com/nerrad567/factory-core/internal/messages"
	"github.com/nerrad567/factory-core/internal/orders"
	"github.com/nerrad567/factory-core/internal/registry"
	"github.com/nerrad567/factory-core/internal/sensors"
	"github.com/nerrad567/factory-core/internal/stock"
	"github.com/nerrad567/factory-core/internal/transport"
)

// Transport is the part of transport.Client the gateway reads.
type Transport interface {
	PublishSettings(topic string, opts ...transport.PublishOption) (byte, bool)
	ConnectionInfo() transport.ConnectionInfo
	IsConnected() bool
	LastActivity() (time.Time, bool)
}

// PublishRecorder receives publish outcomes for time-series storage.
// *influxdb.Client implements it.
type PublishRecorder interface {
	WritePublishOutcome(domain, topic, outcome string, ts time.Time)
}

// Logger is the logging interface used by the gateway.
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

// Deps are the components of one domain the gateway fronts.
type Deps struct {
	Domain    string
	Registry  *registry.Registry
	Role      registry.ClientRole
	Transport Transport
	Messages  *messages.Manager
	Orders    *orders.Manager
	Stock     *stock.Manager
	Sensors   *sensors.Manager
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithAudit records publish attempts to trail instead of a private
// in-memory trail.
func WithAudit(trail audit.Trail) Option {
	return func(g *Gateway) {
		if trail != nil {
			g.trail = trail
		}
	}
}

// WithPublishRecorder also reports publish outcomes to r.
func WithPublishRecorder(r PublishRecorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

// SystemStatus summarises one domain.
type SystemStatus struct {
	Domain       string          `json:"domain"`
	Connected    bool            `json:"connected"`
	State        transport.State `json:"state"`
	Environment  string          `json:"environment"`
	TopicsCount  int             `json:"topics_count"`
	SchemasCount int             `json:"schemas_count"`
	LastActivity *time.Time      `json:"last_activity,omitempty"`
}

// Gateway fronts one domain.
type Gateway struct {
	Deps
	trail    audit.Trail
	recorder PublishRecorder
	logger   Logger
}

// New creates a gateway over deps.
func New(deps Deps, opts ...Option) *Gateway {
	g := &Gateway{
		Deps:   deps,
		trail:  audit.NewMemoryTrail(0),
		logger: noopLogger{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// =============================================================================
// Messages
// =============================================================================

// GenerateMessage builds an example payload for topic.
func (g *Gateway) GenerateMessage(topic string, params map[string]any) (any, bool) {
	return g.Messages.GenerateMessage(topic, params)
}

// ValidateMessage checks payload against the schema of topic.
func (g *Gateway) ValidateMessage(topic string, payload any) messages.Report {
	return g.Messages.ValidateMessage(topic, payload)
}

// PublishMessage validates and publishes message on topic. Every attempt,
// accepted or not, is recorded to the audit trail with the QoS and retain
// flag it was or would have been sent with.
func (g *Gateway) PublishMessage(ctx context.Context, topic string, message any, opts ...transport.PublishOption) error {
	qos, retain := g.Transport.PublishSettings(topic, opts...)
	err := g.Messages.PublishMessage(ctx, topic, message, opts...)

	rec := &audit.Record{
		Domain:    g.Domain,
		Topic:     topic,
		QoS:       int(qos),
		Retain:    retain,
		Outcome:   outcome(err),
		Payload:   rawPayload(message),
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if aerr := g.trail.Record(ctx, rec); aerr != nil {
		g.logger.Warn("recording publish audit failed", "topic", topic, "error", aerr)
	}
	if g.recorder != nil {
		g.recorder.WritePublishOutcome(g.Domain, topic, rec.Outcome, rec.Timestamp)
	}

	if err != nil {
		g.logger.Warn("publish failed", "domain", g.Domain, "topic", topic, "outcome", rec.Outcome, "error", err)
		return err
	}
	g.logger.Info("published", "domain", g.Domain, "topic", topic, "qos", qos, "retain", retain)
	return nil
}

// AuditTrail returns the trail publish attempts are recorded to.
func (g *Gateway) AuditTrail() audit.Trail { return g.trail }

func outcome(err error) string {
	var cfgErr *messages.ConfigurationError
	switch {
	case err == nil:
		return audit.OutcomeOK
	case errors.As(err, &cfgErr):
		return audit.OutcomeRejected
	default:
		return audit.OutcomeFailed
	}
}

// rawPayload returns message as JSON text for the audit record, or nil
// when it cannot be represented.
func rawPayload(message any) json.RawMessage {
	var data []byte
	switch m := message.(type) {
	case []byte:
		data = m
	case json.RawMessage:
		data = m
	case string:
		data = []byte(m)
	default:
		var err error
		if data, err = json.Marshal(m); err != nil {
			return nil
		}
	}
	if !json.Valid(data) {
		return nil
	}
	return append(json.RawMessage(nil), data...)
}

// =============================================================================
// Registry
// =============================================================================

// AllTopics returns every registered topic sorted by name.
func (g *Gateway) AllTopics() []registry.Topic {
	topics := g.Registry.Topics()
	out := make([]registry.Topic, 0, len(topics))
	for _, t := range topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TopicSchemas maps every schema-bound topic to its schema name.
func (g *Gateway) TopicSchemas() map[string]string {
	return g.Registry.TopicSchemas()
}

// PublishedTopics returns the topics the domain may publish.
func (g *Gateway) PublishedTopics() []string {
	return g.Role.PublishedTopics()
}

// SubscribedTopics returns the topic filters the domain subscribes to.
func (g *Gateway) SubscribedTopics() []string {
	return g.Role.SubscribedTopics()
}

// =============================================================================
// Transport
// =============================================================================

// SystemStatus summarises the domain.
func (g *Gateway) SystemStatus() SystemStatus {
	info := g.Transport.ConnectionInfo()
	st := SystemStatus{
		Domain:       g.Domain,
		Connected:    info.Connected,
		State:        info.State,
		Environment:  info.Environment,
		TopicsCount:  len(g.Registry.TopicNames()),
		SchemasCount: len(g.Registry.SchemaNames()),
	}
	if ts, ok := g.Transport.LastActivity(); ok {
		st.LastActivity = &ts
	}
	return st
}

// AllMessageBuffers returns a snapshot of every topic buffer.
func (g *Gateway) AllMessageBuffers() map[string][]transport.Message {
	return g.Messages.AllMessageBuffers()
}

// ClearMessageHistory empties every topic buffer.
func (g *Gateway) ClearMessageHistory() {
	g.Messages.ClearMessageHistory()
	g.logger.Info("message history cleared", "domain", g.Domain)
}

// ConnectionInfo describes the transport session.
func (g *Gateway) ConnectionInfo() transport.ConnectionInfo {
	return g.Transport.ConnectionInfo()
}

// IsConnected reports whether the transport is connected.
func (g *Gateway) IsConnected() bool {
	return g.Transport.IsConnected()
}

// =============================================================================
// Domain managers
// =============================================================================

// Orders returns the order manager.
func (g *Gateway) Orders() *orders.Manager { return g.Deps.Orders }

// Stock returns the stock manager.
func (g *Gateway) Stock() *stock.Manager { return g.Deps.Stock }

// Sensors returns the sensor manager.
func (g *Gateway) Sensors() *sensors.Manager { return g.Deps.Sensors }
