package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/factory-core/internal/buffer"
	"github.com/nerrad567/factory-core/internal/infrastructure/config"
	"github.com/nerrad567/factory-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/factory-core/internal/metrics"
	"github.com/nerrad567/factory-core/internal/registry"
)

// State is the connection state of a Client.
type State string

// Client states.
const (
	StateDisconnected  State = "DISCONNECTED"
	StateConnecting    State = "CONNECTING"
	StateConnected     State = "CONNECTED"
	StateDisconnecting State = "DISCONNECTING"
	StateMock          State = "MOCK"
)

// idlePoll is how often WaitIdle checks the dispatch queue.
const idlePoll = 2 * time.Millisecond

// Message is one received message as kept in a topic buffer.
// Payload is nil when Raw is not valid JSON.
type Message struct {
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
	Raw       []byte    `json:"-"`
}

// Dispatcher receives every buffered message, one at a time, in arrival
// order.
type Dispatcher interface {
	Dispatch(msg Message)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(msg Message)

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(msg Message) { f(msg) }

// Logger is the logging interface used by the transport.
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

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records connection and traffic metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithBufferSize sets the per-topic history length.
func WithBufferSize(n int) Option {
	return func(c *Client) { c.bufferSize = n }
}

// WithQueueSize sets the dispatch queue length.
func WithQueueSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithDialer replaces DialMQTT for the replay and live environments.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithMockBackend sets the backend used in the mock environment.
func WithMockBackend(m *MockBackend) Option {
	return func(c *Client) { c.mock = m }
}

// Client owns the publish/subscribe session of one domain.
//
// Received messages are buffered per topic and handed to the Dispatcher on
// a single goroutine, so messages on one topic are dispatched in broker
// order and never concurrently.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Connect and Disconnect are serialised.
type Client struct {
	domain string
	role   registry.ClientRole
	reg    *registry.Registry

	logger     Logger
	metrics    *metrics.Metrics
	bufferSize int
	queueSize  int
	dialer     Dialer
	mock       *MockBackend

	// lifecycle serialises Connect and Disconnect.
	lifecycle sync.Mutex

	mu           sync.RWMutex
	state        State
	backend      Backend
	profile      Profile
	clientID     string
	subscribed   []string
	buffers      map[string]*buffer.Ring[Message]
	received     map[string]uint64
	lastActivity time.Time

	dispatcher atomic.Pointer[Dispatcher]

	queueMu sync.RWMutex
	queue   chan Message
	drained chan struct{}
	pending atomic.Int64
}

// New creates a disconnected client for domain.
func New(domain string, role registry.ClientRole, reg *registry.Registry, opts ...Option) *Client {
	c := &Client{
		domain:     domain,
		role:       role,
		reg:        reg,
		logger:     noopLogger{},
		bufferSize: buffer.DefaultCapacity,
		queueSize:  256,
		dialer:     DialMQTT,
		state:      StateDisconnected,
		buffers:    make(map[string]*buffer.Ring[Message]),
		received:   make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetDispatcher sets the receiver of buffered messages. Passing nil stops
// dispatch; messages are still buffered.
func (c *Client) SetDispatcher(d Dispatcher) {
	if d == nil {
		c.dispatcher.Store(nil)
		return
	}
	c.dispatcher.Store(&d)
}

// Domain returns the domain this client serves.
func (c *Client) Domain() string { return c.domain }

// Role returns the client role.
func (c *Client) Role() registry.ClientRole { return c.role }

// Mock returns the backend of the mock environment, or nil before the
// first mock Connect.
func (c *Client) Mock() *MockBackend {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.mock
}

// =============================================================================
// Lifecycle
// =============================================================================

// Connect opens the session described by p and subscribes every topic in
// the role's subscribed set.
//
// In the mock environment no network I/O happens and the client enters
// MOCK. Otherwise the client is CONNECTING until the broker acknowledges,
// then CONNECTED.
func (c *Client) Connect(ctx context.Context, p Profile) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if err := config.ValidateEnvironment(p.Environment); err != nil {
		return newError(KindConnect, "", err)
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return newError(KindConnect, "", ErrAlreadyConnected)
	}
	template := c.role.ClientIDTemplate
	if template == "" {
		template = p.ClientIDTemplate
	}
	c.profile = p
	c.clientID = ExpandClientID(template, c.domain, p.Environment)
	if !p.IsMock() {
		c.state = StateConnecting
	}
	c.mu.Unlock()

	backend, err := c.open(ctx, p)
	if err != nil {
		c.setState(StateDisconnected)
		return newError(classify(err, KindConnect), "", err)
	}

	c.startDispatch()

	subscribed := make([]string, 0, len(c.role.Subscribed))
	for _, ref := range c.role.Subscribed {
		qos, _ := c.resolve(ref.Topic, ref)
		if err := backend.Subscribe(ref.Topic, qos, c.receive); err != nil {
			_ = backend.Close()
			c.stopDispatch()
			c.setState(StateDisconnected)
			return newError(KindSubscribe, ref.Topic, err)
		}
		subscribed = append(subscribed, ref.Topic)
	}

	c.mu.Lock()
	c.backend = backend
	c.subscribed = subscribed
	if p.IsMock() {
		c.state = StateMock
	} else {
		c.state = StateConnected
	}
	c.mu.Unlock()

	c.metrics.SetConnected(c.domain, true)
	c.logger.Info("transport connected",
		"environment", p.Environment,
		"client_id", c.ClientID(),
		"subscriptions", len(subscribed),
	)
	return nil
}

func (c *Client) open(ctx context.Context, p Profile) (Backend, error) {
	if p.IsMock() {
		if c.mock == nil {
			c.mock = NewMockBackend()
		}
		c.mock.reopen()
		return c.mock, nil
	}

	s := p.settings(c.ClientID())
	s.Hooks = mqtt.Hooks{
		OnConnect: func() {
			c.transition(StateConnecting, StateConnected)
			c.metrics.SetConnected(c.domain, true)
		},
		OnConnectionLost: func(err error) {
			c.transition(StateConnected, StateConnecting)
			c.metrics.SetConnected(c.domain, false)
			c.logger.Warn("transport connection lost, reconnecting", "error", err)
		},
	}

	backend, err := c.dialer(ctx, s)
	if err != nil {
		return nil, err
	}
	if lc, ok := backend.(interface{ SetLogger(mqtt.Logger) }); ok {
		lc.SetLogger(c.logger)
	}
	return backend, nil
}

// Disconnect unsubscribes, closes the session and drains messages already
// queued for dispatch. Publishes waiting for an acknowledgement fail with
// KindCancelled. Buffers are kept.
func (c *Client) Disconnect() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDisconnecting
	backend := c.backend
	subscribed := c.subscribed
	c.mu.Unlock()

	var closeErr error
	if backend != nil {
		for _, topic := range subscribed {
			if err := backend.Unsubscribe(topic); err != nil {
				c.logger.Debug("unsubscribe failed", "topic", topic, "error", err)
			}
		}
		closeErr = backend.Close()
	}

	c.stopDispatch()

	c.mu.Lock()
	c.state = StateDisconnected
	c.backend = nil
	c.subscribed = nil
	c.mu.Unlock()

	c.metrics.SetConnected(c.domain, false)
	c.logger.Info("transport disconnected")

	if closeErr != nil {
		return newError(KindDisconnect, "", closeErr)
	}
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// transition moves from one state to another only if the client is still
// in the expected state.
func (c *Client) transition(from, to State) {
	c.mu.Lock()
	if c.state == from {
		c.state = to
	}
	c.mu.Unlock()
}

// =============================================================================
// Inbound
// =============================================================================

func (c *Client) receive(topic string, payload []byte) error {
	c.HandleMessage(topic, payload)
	return nil
}

// HandleMessage buffers a received message and queues it for dispatch.
// Payloads that are not valid JSON are kept with a nil Payload.
func (c *Client) HandleMessage(topic string, raw []byte) {
	now := time.Now()

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		payload = nil
		c.logger.Debug("non-JSON payload buffered raw", "topic", topic, "error", err)
	}

	msg := Message{
		Topic:     topic,
		Timestamp: now,
		Payload:   payload,
		Raw:       append([]byte(nil), raw...),
	}

	c.mu.Lock()
	ring, ok := c.buffers[topic]
	if !ok {
		ring = buffer.NewRing[Message](c.bufferSize)
		c.buffers[topic] = ring
	}
	evicted := ring.Push(msg)
	c.received[topic]++
	c.lastActivity = now
	c.mu.Unlock()

	c.metrics.MessageReceived(c.domain, evicted)
	c.enqueue(msg)
}

// Inject delivers payload as if the broker had sent it. Only valid in the
// mock environment and only for topics the role subscribes. payload may be
// raw bytes or any JSON-encodable value.
func (c *Client) Inject(topic string, payload any) error {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if state != StateMock || c.mock == nil {
		return ErrNotMock
	}

	data, err := encode(payload)
	if err != nil {
		return err
	}
	if !c.mock.Deliver(topic, data) {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, topic)
	}
	return nil
}

func (c *Client) startDispatch() {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if c.queue != nil {
		return
	}
	c.queue = make(chan Message, c.queueSize)
	c.drained = make(chan struct{})
	go c.dispatchLoop(c.queue, c.drained)
}

// stopDispatch closes the queue and waits for queued messages to finish.
func (c *Client) stopDispatch() {
	c.queueMu.Lock()
	queue, drained := c.queue, c.drained
	c.queue, c.drained = nil, nil
	c.queueMu.Unlock()

	if queue == nil {
		return
	}
	close(queue)
	<-drained
}

func (c *Client) enqueue(msg Message) {
	c.queueMu.RLock()
	defer c.queueMu.RUnlock()
	if c.queue == nil {
		return
	}
	c.pending.Add(1)
	c.queue <- msg
}

func (c *Client) dispatchLoop(queue <-chan Message, drained chan<- struct{}) {
	defer close(drained)
	for msg := range queue {
		c.dispatch(msg)
		c.pending.Add(-1)
	}
}

func (c *Client) dispatch(msg Message) {
	d := c.dispatcher.Load()
	if d == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("dispatch panic recovered", "topic", msg.Topic, "panic", r)
		}
	}()
	(*d).Dispatch(msg)
}

// WaitIdle blocks until every queued message has been dispatched or ctx
// ends.
func (c *Client) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()
	for c.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// =============================================================================
// Outbound
// =============================================================================

// PublishOption overrides the registry's QoS or retain flag for one publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	qos    *byte
	retain *bool
}

// WithQoS overrides the QoS level.
func WithQoS(qos byte) PublishOption {
	return func(o *publishOptions) { o.qos = &qos }
}

// WithRetain overrides the retain flag.
func WithRetain(retain bool) PublishOption {
	return func(o *publishOptions) { o.retain = &retain }
}

// PublishSettings returns the QoS and retain flag a publish on topic uses.
//
// Explicit options win, then the role's published reference, then the
// topic's registry entry, then the role defaults.
func (c *Client) PublishSettings(topic string, opts ...PublishOption) (byte, bool) {
	ref, _ := c.role.PublishedRef(topic)
	qos, retain := c.resolve(topic, ref)

	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.qos != nil {
		qos = *o.qos
	}
	if o.retain != nil {
		retain = *o.retain
	}
	return qos, retain
}

func (c *Client) resolve(topic string, ref registry.TopicRef) (byte, bool) {
	qos, retain := c.role.DefaultQoS, c.role.DefaultRetain
	if c.reg != nil {
		if t, ok := c.reg.TopicConfig(topic); ok {
			qos, retain = t.QoS, t.Retain
		}
	}
	if ref.QoS != nil {
		qos = *ref.QoS
	}
	if ref.Retain != nil {
		retain = *ref.Retain
	}
	return byte(qos), retain
}

// Publish sends payload on topic. payload may be raw bytes or any
// JSON-encodable value; values are encoded as canonical JSON with sorted
// object keys.
//
// QoS 0 returns once the message is handed to the session. QoS 1 and 2
// wait for the broker acknowledgement up to the publish timeout. In the
// mock environment the publish is recorded and always succeeds.
func (c *Client) Publish(ctx context.Context, topic string, payload any, opts ...PublishOption) error {
	if err := mqtt.ValidateTopic(topic); err != nil {
		return newError(KindPublish, topic, fmt.Errorf("%w: %w", ErrWildcardTopic, err))
	}

	data, err := encode(payload)
	if err != nil {
		return newError(KindPublish, topic, err)
	}

	qos, retain := c.PublishSettings(topic, opts...)

	c.mu.RLock()
	state, backend := c.state, c.backend
	c.mu.RUnlock()

	if backend == nil || (state != StateConnected && state != StateMock) {
		c.metrics.Published(c.domain, "failed")
		return newError(KindPublish, topic, ErrNotConnected)
	}

	if err := backend.Publish(ctx, topic, data, qos, retain); err != nil {
		c.metrics.Published(c.domain, "failed")
		return newError(classify(err, KindPublish), topic, err)
	}

	c.metrics.Published(c.domain, "ok")
	c.logger.Debug("published", "topic", topic, "qos", qos, "retain", retain, "bytes", len(data))
	return nil
}

// encode renders payload as canonical JSON. encoding/json already sorts
// map keys; HTML escaping is disabled so payloads stay byte-for-byte
// comparable with other publishers.
func encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// =============================================================================
// Queries
// =============================================================================

// ConnectionInfo describes the session of a Client.
type ConnectionInfo struct {
	Domain           string     `json:"domain"`
	State            State      `json:"state"`
	Connected        bool       `json:"connected"`
	Environment      string     `json:"environment"`
	BrokerHost       string     `json:"broker_host"`
	BrokerPort       int        `json:"broker_port"`
	ClientID         string     `json:"client_id"`
	LastActivity     *time.Time `json:"last_activity,omitempty"`
	SubscribedTopics []string   `json:"subscribed_topics"`
	BufferedTopics   int        `json:"buffered_topics"`
}

// ConnectionInfo returns a snapshot of the session.
func (c *Client) ConnectionInfo() ConnectionInfo {
	connected := c.IsConnected()

	c.mu.RLock()
	defer c.mu.RUnlock()

	info := ConnectionInfo{
		Domain:           c.domain,
		State:            c.state,
		Connected:        connected,
		Environment:      c.profile.Environment,
		BrokerHost:       c.profile.Host,
		BrokerPort:       c.profile.Port,
		ClientID:         c.clientID,
		SubscribedTopics: append([]string{}, c.subscribed...),
		BufferedTopics:   len(c.buffers),
	}
	if !c.lastActivity.IsZero() {
		ts := c.lastActivity
		info.LastActivity = &ts
	}
	return info
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether publishes can currently succeed. A client
// in MOCK counts as connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	state, backend := c.state, c.backend
	c.mu.RUnlock()

	switch state {
	case StateMock:
		return true
	case StateConnected:
		return backend != nil && backend.IsConnected()
	default:
		return false
	}
}

// ClientID returns the client id resolved on the last Connect.
func (c *Client) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// Environment returns the environment of the last Connect.
func (c *Client) Environment() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profile.Environment
}

// LastActivity returns the time of the last received message.
func (c *Client) LastActivity() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity, !c.lastActivity.IsZero()
}

// SubscribedTopics returns the filters subscribed on the current session.
func (c *Client) SubscribedTopics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string{}, c.subscribed...)
}

// Buffers returns a snapshot of every topic buffer, oldest message first.
func (c *Client) Buffers() map[string][]Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]Message, len(c.buffers))
	for topic, ring := range c.buffers {
		out[topic] = ring.Snapshot()
	}
	return out
}

// Buffer returns a snapshot of one topic buffer.
func (c *Client) Buffer(topic string) ([]Message, bool) {
	c.mu.RLock()
	ring, ok := c.buffers[topic]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return ring.Snapshot(), true
}

// Latest returns the newest message buffered for topic.
func (c *Client) Latest(topic string) (Message, bool) {
	c.mu.RLock()
	ring, ok := c.buffers[topic]
	c.mu.RUnlock()
	if !ok {
		return Message{}, false
	}
	return ring.Latest()
}

// LatestWithCount returns the newest message buffered for topic together
// with the topic's received counter, read under one lock so the counter
// always belongs to the returned message.
func (c *Client) LatestWithCount(topic string) (Message, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ring, ok := c.buffers[topic]
	if !ok {
		return Message{}, c.received[topic], false
	}
	msg, ok := ring.Latest()
	return msg, c.received[topic], ok
}

// BufferedTopics returns the topics with a buffer, sorted.
func (c *Client) BufferedTopics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	topics := make([]string, 0, len(c.buffers))
	for t := range c.buffers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// BufferCapacity returns the per-topic history length.
func (c *Client) BufferCapacity() int {
	if c.bufferSize <= 0 {
		return buffer.DefaultCapacity
	}
	return c.bufferSize
}

// ClearBuffers drops every buffered message. Received counters are kept.
func (c *Client) ClearBuffers() {
	c.mu.Lock()
	c.buffers = make(map[string]*buffer.Ring[Message])
	c.mu.Unlock()
}

// ReceivedCount returns how many messages arrived on topic since creation.
func (c *Client) ReceivedCount(topic string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.received[topic]
}

// ReceivedCounts returns the received counter of every topic.
func (c *Client) ReceivedCounts() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.received))
	for k, v := range c.received {
		out[k] = v
	}
	return out
}
