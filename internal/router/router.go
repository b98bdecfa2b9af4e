package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/factory-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/factory-core/internal/messages"
	"github.com/nerrad567/factory-core/internal/metrics"
	"github.com/nerrad567/factory-core/internal/refresh"
	"github.com/nerrad567/factory-core/internal/registry"
	"github.com/nerrad567/factory-core/internal/transport"
)

// Sentinel errors for routing.
var (
	ErrNoHandler        = errors.New("router: no handler for topic")
	ErrHandlerPanic     = errors.New("router: handler panicked")
	ErrDuplicateManager = errors.New("router: manager already registered")
)

// RoutingError is a failure of one manager handling one message.
type RoutingError struct {
	Topic   string
	Manager string
	Err     error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing %s to %s: %v", e.Topic, e.Manager, e.Err)
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}

// Meta accompanies every payload handed to a manager.
type Meta struct {
	Domain    string
	Topic     string
	Timestamp time.Time
}

// Handler processes one validated message.
type Handler func(topic string, payload any, meta Meta) error

// DispatchTable maps topic filters to the handler that serves them.
type DispatchTable map[string]Handler

// Component is a domain manager the router can deliver to. Name must match
// the manager's key in the gateway routing hints.
type Component interface {
	Name() string
	DispatchTable() DispatchTable
}

// InboundValidator checks received payloads. *messages.Manager implements it.
type InboundValidator interface {
	ValidateInbound(topic string, payload any) []messages.SchemaValidationError
}

// RefreshPublisher receives refresh events. *refresh.Bus implements it.
type RefreshPublisher interface {
	Publish(group string, details map[string]any) refresh.Event
}

// Logger is the logging interface used by the router.
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

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics counts routed, dropped and failed messages.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithValidator validates payloads before dispatch.
func WithValidator(v InboundValidator) Option {
	return func(r *Router) { r.validator = v }
}

// WithRefresh publishes refresh events after dispatch.
func WithRefresh(p RefreshPublisher) Option {
	return func(r *Router) { r.refresh = p }
}

// Result describes what happened to one message.
type Result struct {
	Topic      string                           `json:"topic"`
	Dropped    bool                             `json:"dropped"`
	Violations []messages.SchemaValidationError `json:"violations,omitempty"`
	Managers   []string                         `json:"managers"`
	Errors     []*RoutingError                  `json:"-"`
	Groups     []string                         `json:"groups"`
}

// Router delivers validated messages of one domain to its managers and
// emits refresh events.
//
// The routing and refresh tables are compiled once from the gateway config.
// Route is called from the transport's single dispatch goroutine; it is
// nevertheless safe for concurrent use.
type Router struct {
	domain    string
	managers  *trie
	groups    *trie
	validator InboundValidator
	refresh   RefreshPublisher
	logger    Logger
	metrics   *metrics.Metrics

	mu         sync.RWMutex
	components map[string]Component
}

// New compiles the routing table of domain from gw.
func New(domain string, gw registry.GatewayConfig, opts ...Option) *Router {
	r := &Router{
		domain:     domain,
		managers:   newTrie(),
		groups:     newTrie(),
		logger:     noopLogger{},
		components: make(map[string]Component),
	}
	for _, opt := range opts {
		opt(r)
	}

	for name, patterns := range gw.RoutingHints {
		for _, p := range patterns {
			r.managers.insert(p, name)
		}
	}
	for group, patterns := range gw.RefreshTriggers {
		for _, p := range patterns {
			r.groups.insert(p, group)
		}
	}
	return r
}

// Register adds a manager. Managers without routing hints are accepted but
// never receive messages.
func (r *Router) Register(c Component) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.components[c.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateManager, c.Name())
	}
	r.components[c.Name()] = c
	return nil
}

// ManagersFor returns the managers whose routing patterns match topic.
func (r *Router) ManagersFor(topic string) []string {
	return r.managers.match(topic)
}

// GroupsFor returns the refresh groups whose patterns match topic.
func (r *Router) GroupsFor(topic string) []string {
	return r.groups.match(topic)
}

// Dispatch implements transport.Dispatcher.
func (r *Router) Dispatch(msg transport.Message) {
	if msg.Payload == nil && len(msg.Raw) > 0 && !json.Valid(msg.Raw) {
		r.metrics.Dropped(r.domain, "invalid_json")
		r.logger.Warn("dropping non-JSON message", "topic", msg.Topic, "bytes", len(msg.Raw))
		return
	}
	r.Route(msg.Topic, msg.Payload, Meta{Domain: r.domain, Topic: msg.Topic, Timestamp: msg.Timestamp})
}

// Route validates payload, hands it to every matching manager and then
// publishes the matching refresh groups.
//
// A payload failing validation is dropped: no manager sees it and no
// refresh is emitted. A failing or panicking handler does not stop the
// other managers, and refresh events are still emitted.
func (r *Router) Route(topic string, payload any, meta Meta) Result {
	res := Result{Topic: topic, Managers: []string{}, Groups: []string{}}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now()
	}
	meta.Topic = topic

	if r.validator != nil {
		if violations := r.validator.ValidateInbound(topic, payload); len(violations) > 0 {
			for i := range violations {
				r.logger.Warn("dropping message that fails its schema", "error", &violations[i])
			}
			r.metrics.Dropped(r.domain, "schema")
			res.Dropped = true
			res.Violations = violations
			return res
		}
	}

	for _, name := range r.managers.match(topic) {
		r.mu.RLock()
		c, ok := r.components[name]
		r.mu.RUnlock()
		if !ok {
			r.logger.Debug("routed manager not registered", "manager", name, "topic", topic)
			continue
		}

		res.Managers = append(res.Managers, name)
		if err := r.invoke(c, topic, payload, meta); err != nil {
			res.Errors = append(res.Errors, err)
			r.metrics.HandlerFailed(r.domain, name)
			r.logger.Error("manager failed to process message", "error", err)
			continue
		}
		r.metrics.Dispatched(r.domain, name)
	}

	for _, group := range r.groups.match(topic) {
		res.Groups = append(res.Groups, group)
		if r.refresh != nil {
			r.refresh.Publish(group, map[string]any{"topic": topic, "domain": r.domain})
		}
	}

	return res
}

func (r *Router) invoke(c Component, topic string, payload any, meta Meta) (rerr *RoutingError) {
	h, ok := resolve(c.DispatchTable(), topic)
	if !ok {
		return &RoutingError{Topic: topic, Manager: c.Name(), Err: ErrNoHandler}
	}

	defer func() {
		if p := recover(); p != nil {
			rerr = &RoutingError{Topic: topic, Manager: c.Name(), Err: fmt.Errorf("%w: %v", ErrHandlerPanic, p)}
		}
	}()

	if err := h(topic, payload, meta); err != nil {
		return &RoutingError{Topic: topic, Manager: c.Name(), Err: err}
	}
	return nil
}

// resolve picks the handler of the most specific matching filter.
func resolve(table DispatchTable, topic string) (Handler, bool) {
	if h, ok := table[topic]; ok {
		return h, true
	}

	filters := make([]string, 0, len(table))
	for f := range table {
		if mqtt.Match(f, topic) {
			filters = append(filters, f)
		}
	}
	if len(filters) == 0 {
		return nil, false
	}
	sort.Slice(filters, func(i, j int) bool {
		si, sj := mqtt.Specificity(filters[i]), mqtt.Specificity(filters[j])
		if si != sj {
			return si > sj
		}
		return filters[i] < filters[j]
	})
	return table[filters[0]], true
}
