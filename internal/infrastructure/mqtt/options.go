package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/factory-core/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the overall budget for the initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultReconnectInitial and defaultReconnectMax bound the reconnect backoff.
	defaultReconnectInitial = 1 * time.Second
	defaultReconnectMax     = 30 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Settings describes one broker session. It is resolved by the transport
// layer from the environment profile before Connect is called.
type Settings struct {
	Host     string
	Port     int
	TLS      bool
	ClientID string
	Username string
	Password string

	ConnectTimeout   time.Duration
	PublishTimeout   time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// StatusTopic, when set, receives a retained online/offline status and
	// is used as the Last Will topic.
	StatusTopic string

	Hooks Hooks
}

// Hooks are connection lifecycle callbacks. All fields are optional.
// They run on paho's goroutines and must not block.
type Hooks struct {
	OnConnect        func()
	OnConnectionLost func(err error)
	OnReconnecting   func()
}

// SettingsFromConfig resolves Settings for one broker and client id.
func SettingsFromConfig(cfg config.MQTTConfig, broker config.MQTTBrokerConfig, clientID string) Settings {
	return Settings{
		Host:             broker.Host,
		Port:             broker.Port,
		TLS:              broker.TLS,
		ClientID:         clientID,
		Username:         cfg.Auth.Username,
		Password:         cfg.Auth.Password,
		ConnectTimeout:   time.Duration(cfg.ConnectTimeout) * time.Second,
		PublishTimeout:   time.Duration(cfg.PublishTimeout) * time.Second,
		ReconnectInitial: time.Duration(cfg.Reconnect.InitialDelay) * time.Second,
		ReconnectMax:     time.Duration(cfg.Reconnect.MaxDelay) * time.Second,
		StatusTopic:      cfg.StatusTopic,
	}
}

// withDefaults fills zero durations with the package defaults.
func (s Settings) withDefaults() Settings {
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = defaultConnectTimeout
	}
	if s.PublishTimeout <= 0 {
		s.PublishTimeout = defaultPublishTimeout
	}
	if s.ReconnectInitial <= 0 {
		s.ReconnectInitial = defaultReconnectInitial
	}
	if s.ReconnectMax < s.ReconnectInitial {
		s.ReconnectMax = defaultReconnectMax
	}
	return s
}

// BrokerURL returns the tcp:// or ssl:// URL for the broker.
func (s Settings) BrokerURL() string {
	scheme := "tcp"
	if s.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.Host, s.Port)
}

// buildClientOptions creates paho MQTT options from Settings.
//
// Initial connection retries are driven by Connect itself, so paho's
// ConnectRetry stays off; AutoReconnect handles later connection loss
// with paho's doubling delay capped at ReconnectMax.
func buildClientOptions(s Settings) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(s.BrokerURL())
	opts.SetClientID(s.ClientID)

	if s.Username != "" {
		opts.SetUsername(s.Username)
		opts.SetPassword(s.Password)
	}

	opts.SetCleanSession(true)

	// Per-topic delivery order must match broker order.
	opts.SetOrderMatters(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetConnectRetryInterval(s.ReconnectInitial)
	opts.SetMaxReconnectInterval(s.ReconnectMax)

	opts.SetConnectTimeout(s.ConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if s.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
		})
	}

	if s.StatusTopic != "" {
		opts.SetWill(s.StatusTopic, buildStatusPayload(s.ClientID, "offline", "unexpected_disconnect"), 1, true)
	}

	return opts
}

// buildStatusPayload creates the JSON payload for status messages.
func buildStatusPayload(clientID, status, reason string) string {
	if reason == "" {
		return fmt.Sprintf(
			`{"status":%q,"client_id":%q,"timestamp":%q}`,
			status, clientID, time.Now().UTC().Format(time.RFC3339),
		)
	}
	return fmt.Sprintf(
		`{"status":%q,"client_id":%q,"reason":%q,"timestamp":%q}`,
		status, clientID, reason, time.Now().UTC().Format(time.RFC3339),
	)
}
