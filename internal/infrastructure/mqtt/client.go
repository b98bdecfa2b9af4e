package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Client wraps paho.mqtt.golang for one domain session.
//
// It provides connection management with backoff, context-aware publishing,
// subscription tracking and automatic reconnection.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions are automatically restored on reconnection.
type Client struct {
	client   pahomqtt.Client
	settings Settings

	// subscriptions tracks active subscriptions for re-subscription on reconnect.
	subscriptions map[string]subscription
	subMu         sync.RWMutex

	connected bool
	connMu    sync.RWMutex

	// closing is closed by Close to cancel publishes waiting on an ack.
	closing   chan struct{}
	closeOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// subscription holds subscription details for re-subscription on reconnect.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler is the callback signature for received messages.
//
// Handlers run on paho's delivery goroutine in broker order and should
// return quickly. A returned error is logged.
type MessageHandler func(topic string, payload []byte) error

// Connect establishes a connection to the MQTT broker.
//
// Attempts are retried with exponential backoff (ReconnectInitial, doubling,
// capped at ReconnectMax) until ConnectTimeout elapses or ctx ends.
// On success the client is connected and, if StatusTopic is set, has
// published its retained online status.
func Connect(ctx context.Context, s Settings) (*Client, error) {
	s = s.withDefaults()
	opts := buildClientOptions(s)

	c := &Client{
		settings:      s,
		subscriptions: make(map[string]subscription),
		closing:       make(chan struct{}),
	}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		if hook := c.settings.Hooks.OnReconnecting; hook != nil {
			hook()
		}
	})

	c.client = pahomqtt.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, s.ConnectTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.ReconnectInitial
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = s.ReconnectMax
	policy.MaxElapsedTime = s.ConnectTimeout

	attempt := func() error {
		token := c.client.Connect()
		select {
		case <-token.Done():
		case <-ctx.Done():
			return backoff.Permanent(fmt.Errorf("%w: %w", ErrTimeout, ctx.Err()))
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
		return nil
	}

	if err := backoff.Retry(attempt, backoff.WithContext(policy, ctx)); err != nil {
		c.client.Disconnect(0)
		if errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrTimeout) {
			return nil, fmt.Errorf("%w: %s after %v: %w", ErrConnectionFailed, s.BrokerURL(), s.ConnectTimeout, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, s.BrokerURL(), err)
	}

	// The OnConnect handler runs asynchronously; mark connected here so
	// IsConnected is true as soon as Connect returns.
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	return c, nil
}

// handleConnect is called when the connection is established or restored.
func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	c.restoreSubscriptions()
	c.publishStatus("online", "")

	if hook := c.settings.Hooks.OnConnect; hook != nil {
		hook()
	}
}

// handleDisconnect is called when the connection is lost.
func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	if logger := c.getLogger(); logger != nil {
		logger.Warn("MQTT connection lost", "broker", c.settings.BrokerURL(), "error", err)
	}

	if hook := c.settings.Hooks.OnConnectionLost; hook != nil {
		hook(err)
	}
}

// restoreSubscriptions re-subscribes to all tracked topics after reconnect.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
}

func (c *Client) publishStatus(status, reason string) pahomqtt.Token {
	if c.settings.StatusTopic == "" {
		return nil
	}
	payload := buildStatusPayload(c.settings.ClientID, status, reason)
	return c.client.Publish(c.settings.StatusTopic, 1, true, payload)
}

// Close gracefully disconnects from the MQTT broker.
//
// Publishes waiting for an acknowledgement return ErrCancelled.
// Calling Close more than once is safe.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	c.closeOnce.Do(func() {
		close(c.closing)

		if c.IsConnected() {
			if token := c.publishStatus("offline", "graceful_shutdown"); token != nil {
				token.WaitTimeout(c.settings.PublishTimeout)
			}
		}

		c.client.Disconnect(defaultDisconnectQuiesce)

		c.connMu.Lock()
		c.connected = false
		c.connMu.Unlock()
	})

	return nil
}

// HealthCheck verifies the MQTT connection is alive.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return nil
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	if c.client == nil {
		return false
	}
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// Settings returns the resolved session settings.
func (c *Client) Settings() Settings {
	return c.settings
}

// SetLogger sets a logger for error and panic logging.
// If not set, errors in handlers are silently ignored.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler wraps a MessageHandler with panic recovery and optional logging.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered",
						"topic", msg.Topic(),
						"panic", r,
					)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT handler returned error",
					"topic", msg.Topic(),
					"error", err,
				)
			}
		}
	}
}

// waitToken waits for token completion, the publish timeout, ctx or Close.
func (c *Client) waitToken(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrTimeout, timeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	case <-c.closing:
		return ErrCancelled
	}
}
