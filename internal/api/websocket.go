package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/factory-core/internal/infrastructure/config"
	"github.com/nerrad567/factory-core/internal/infrastructure/logging"
	"github.com/nerrad567/factory-core/internal/refresh"
)

// Message types exchanged on /ws.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// WSChannelAll receives the events of every refresh group.
const WSChannelAll = "*"

// WSChannelEnvironment carries environment switches.
const WSChannelEnvironment = "environment"

// wsSendBufferSize is the per-client outbound queue length. Events for a
// client whose queue is full are dropped and counted.
const wsSendBufferSize = 256

// WSMessage is the envelope of every frame in both directions.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects refresh groups. A non-empty Domain restricts
// group events to messages received by that domain's transport.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Domain   string   `json:"domain,omitempty"`
}

// LastEventFunc returns the latest event of a refresh group.
type LastEventFunc func(group string) (refresh.Event, bool)

// Hub fans refresh-bus events out to WebSocket clients.
//
// A subscribe reply carries the latest event of each named group so a
// dashboard that connects late can render without waiting for traffic.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger
	last   LastEventFunc

	mu      sync.RWMutex
	clients map[*WSClient]struct{}

	dropped atomic.Uint64
}

// WSClient is one connected dashboard.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	closed   bool
	channels map[string]struct{}
	domain   string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The CORS middleware has already vetted the origin.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// NewHub creates a hub. last may be nil, in which case subscribe replies
// carry no replayed events.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger, last LastEventFunc) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		last:    last,
		clients: make(map[*WSClient]struct{}),
	}
}

// newWSClient creates a client subscribed to channels. conn is nil in tests.
func newWSClient(h *Hub, conn *websocket.Conn, channels ...string) *WSClient {
	c := &WSClient{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, wsSendBufferSize),
		channels: make(map[string]struct{}, len(channels)),
	}
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	return c
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client and closes its queue. It is safe to call
// more than once.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were discarded for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// PublishRefresh delivers a refresh event to every client subscribed to
// its group whose domain filter admits it.
func (h *Hub) PublishRefresh(ev refresh.Event) {
	domain, _ := ev.Details["domain"].(string)
	h.fanOut(ev.Group, domain, ev)
}

// Broadcast sends payload to every client subscribed to channel,
// regardless of domain filters.
func (h *Hub) Broadcast(channel string, payload any) {
	h.fanOut(channel, "", payload)
}

func (h *Hub) fanOut(channel, domain string, payload any) {
	data, err := encodeFrame(WSMessage{Type: WSTypeEvent, EventType: channel, Payload: payload})
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if !c.wants(channel, domain) {
			continue
		}
		if c.enqueue(data) {
			delivered++
		} else {
			h.dropped.Add(1)
		}
	}
	if delivered > 0 {
		h.logger.Debug("websocket event delivered", "channel", channel, "recipients", delivered)
	}
}

// relayRefreshEvents forwards refresh-bus events to the hub. It returns
// the function that stops the relay.
func (s *Server) relayRefreshEvents() func() {
	return s.core.Bus().Subscribe(s.hub.PublishRefresh)
}

// handleWebSocket upgrades the request and starts the client pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newWSClient(s.hub, conn)
	s.hub.Register(c)

	go c.writeLoop(s.wsCfg)
	go c.readLoop(s.wsCfg)
}

func (c *WSClient) readLoop(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	deadline := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(deadline)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	_ = extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		// Browsers do not always answer protocol pings; any frame counts.
		_ = extend()
		c.dispatch(frame)
	}
}

func (c *WSClient) writeLoop(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch handles one inbound frame.
func (c *WSClient) dispatch(frame []byte) {
	var msg struct {
		Type    string             `json:"type"`
		ID      string             `json:"id"`
		Payload WSSubscribePayload `json:"payload"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.reply(WSTypeError, "", map[string]string{"message": "invalid JSON message"})
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.subscribe(msg.ID, msg.Payload)
	case WSTypeUnsubscribe:
		c.unsubscribe(msg.ID, msg.Payload)
	case WSTypePing:
		c.reply(WSTypePong, msg.ID, nil)
	default:
		c.reply(WSTypeError, msg.ID, map[string]string{"message": "unknown message type: " + msg.Type})
	}
}

func (c *WSClient) subscribe(id string, p WSSubscribePayload) {
	c.mu.Lock()
	for _, ch := range p.Channels {
		c.channels[ch] = struct{}{}
	}
	c.domain = p.Domain
	c.mu.Unlock()

	c.hub.logger.Debug("websocket client subscribed", "channels", p.Channels, "domain", p.Domain)
	c.reply(WSTypeResponse, id, map[string]any{
		"subscribed": p.Channels,
		"last":       c.hub.replay(p.Channels),
	})
}

func (c *WSClient) unsubscribe(id string, p WSSubscribePayload) {
	c.mu.Lock()
	for _, ch := range p.Channels {
		delete(c.channels, ch)
	}
	c.mu.Unlock()

	c.reply(WSTypeResponse, id, map[string]any{"unsubscribed": p.Channels})
}

// replay collects the latest event of every named group.
func (h *Hub) replay(channels []string) map[string]refresh.Event {
	out := make(map[string]refresh.Event)
	if h.last == nil {
		return out
	}
	for _, ch := range channels {
		if ev, ok := h.last(ch); ok {
			out[ch] = ev
		}
	}
	return out
}

// wants reports whether an event on channel from domain should reach c.
// An empty domain bypasses the client's domain filter.
func (c *WSClient) wants(channel, domain string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if domain != "" && c.domain != "" && domain != c.domain {
		return false
	}
	if _, ok := c.channels[WSChannelAll]; ok {
		return true
	}
	_, ok := c.channels[channel]
	return ok
}

func (c *WSClient) reply(msgType, id string, payload any) {
	data, err := encodeFrame(WSMessage{Type: msgType, ID: id, Payload: payload})
	if err != nil {
		return
	}
	c.enqueue(data)
}

// enqueue queues a frame without blocking. It reports false when the
// client is closed or its queue is full.
func (c *WSClient) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close closes the outbound queue once; the write loop then sends a close
// frame and exits.
func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func encodeFrame(msg WSMessage) ([]byte, error) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	return json.Marshal(msg)
}
