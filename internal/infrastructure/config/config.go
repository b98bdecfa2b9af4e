package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment names accepted by the transport layer.
const (
	EnvMock   = "mock"
	EnvReplay = "replay"
	EnvLive   = "live"
)

// ErrUnknownEnvironment is returned when an environment name is not one of
// mock, replay or live.
var ErrUnknownEnvironment = errors.New("config: unknown environment")

// Config is the root configuration structure for Factory Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Environment string          `yaml:"environment"`
	Registry    RegistryConfig  `yaml:"registry"`
	MQTT        MQTTConfig      `yaml:"mqtt"`
	Buffer      BufferConfig    `yaml:"buffer"`
	Stock       StockConfig     `yaml:"stock"`
	Sensors     SensorsConfig   `yaml:"sensors"`
	API         APIConfig       `yaml:"api"`
	WebSocket   WebSocketConfig `yaml:"websocket"`
	Audit       AuditConfig     `yaml:"audit"`
	InfluxDB    InfluxDBConfig  `yaml:"influxdb"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// RegistryConfig points at the declarative registry tree.
type RegistryConfig struct {
	Root string `yaml:"root"`

	// Strict disables suffix-based schema inference for topics that carry
	// no explicit schema reference.
	Strict bool `yaml:"strict"`
}

// MQTTConfig contains MQTT broker connection settings for every environment.
type MQTTConfig struct {
	Live             MQTTBrokerConfig    `yaml:"live"`
	Replay           MQTTBrokerConfig    `yaml:"replay"`
	Auth             MQTTAuthConfig      `yaml:"auth"`
	ClientIDTemplate string              `yaml:"client_id_template"`
	ConnectTimeout   int                 `yaml:"connect_timeout"`
	PublishTimeout   int                 `yaml:"publish_timeout"`
	Reconnect        MQTTReconnectConfig `yaml:"reconnect"`
	StatusTopic      string              `yaml:"status_topic"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	TLS  bool   `yaml:"tls"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// BufferConfig sizes the per-topic message history and the dispatch queue.
type BufferConfig struct {
	MaxMessages   int `yaml:"max_messages"`
	DispatchQueue int `yaml:"dispatch_queue"`
}

// StockConfig contains warehouse settings.
type StockConfig struct {
	MaxCapacity int `yaml:"max_capacity"`
}

// SensorsConfig maps sensor kinds to their TXT controller topics.
type SensorsConfig struct {
	BME680 string `yaml:"bme680"`
	LDR    string `yaml:"ldr"`
	Camera string `yaml:"cam"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// AuditConfig controls the publish audit trail.
type AuditConfig struct {
	MemorySize int            `yaml:"memory_size"`
	Database   DatabaseConfig `yaml:"database"`
}

// DatabaseConfig contains SQLite database settings for the audit sink.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FACTORYCORE_KEY
// For example: FACTORYCORE_BROKER_HOST, FACTORYCORE_REGISTRY_ROOT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides applied.
// It is used when no config file is supplied.
func Default() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Environment: EnvMock,
		Registry: RegistryConfig{
			Root: "./configs/registry",
		},
		MQTT: MQTTConfig{
			Live: MQTTBrokerConfig{
				Host: "192.168.0.100",
				Port: 1883,
			},
			Replay: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1884,
			},
			ClientIDTemplate: "factorycore-{domain}-{env}",
			ConnectTimeout:   10,
			PublishTimeout:   5,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     30,
			},
		},
		Buffer: BufferConfig{
			MaxMessages:   1000,
			DispatchQueue: 256,
		},
		Stock: StockConfig{
			MaxCapacity: 3,
		},
		Sensors: SensorsConfig{
			BME680: "/j1/txt/1/i/bme680",
			LDR:    "/j1/txt/1/i/ldr",
			Camera: "/j1/txt/1/i/cam",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Audit: AuditConfig{
			MemorySize: 500,
			Database: DatabaseConfig{
				Path:        "./data/audit.db",
				WALMode:     true,
				BusyTimeout: 5,
			},
		},
		InfluxDB: InfluxDBConfig{
			Org:           "factory",
			Bucket:        "sensors",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// broker_host and broker_port apply to the broker of the selected environment.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FACTORYCORE_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("FACTORYCORE_REGISTRY_ROOT"); v != "" {
		cfg.Registry.Root = v
	}
	if v := os.Getenv("FACTORYCORE_CLIENT_ID_TEMPLATE"); v != "" {
		cfg.MQTT.ClientIDTemplate = v
	}

	broker := cfg.MQTT.brokerFor(cfg.Environment)
	if v := os.Getenv("FACTORYCORE_BROKER_HOST"); v != "" && broker != nil {
		broker.Host = v
	}
	if v := os.Getenv("FACTORYCORE_BROKER_PORT"); v != "" && broker != nil {
		if port, err := strconv.Atoi(v); err == nil {
			broker.Port = port
		}
	}

	if v := os.Getenv("FACTORYCORE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FACTORYCORE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("FACTORYCORE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// brokerFor returns the broker block used by env, or nil for mock.
func (m *MQTTConfig) brokerFor(env string) *MQTTBrokerConfig {
	switch env {
	case EnvLive:
		return &m.Live
	case EnvReplay:
		return &m.Replay
	default:
		return nil
	}
}

// Broker returns the broker settings for env. The mock environment has no broker.
func (m MQTTConfig) Broker(env string) (MQTTBrokerConfig, error) {
	if err := ValidateEnvironment(env); err != nil {
		return MQTTBrokerConfig{}, err
	}
	if b := m.brokerFor(env); b != nil {
		return *b, nil
	}
	return MQTTBrokerConfig{}, nil
}

// ValidateEnvironment reports whether env names a known environment.
func ValidateEnvironment(env string) error {
	switch env {
	case EnvMock, EnvReplay, EnvLive:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEnvironment, env)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if err := ValidateEnvironment(c.Environment); err != nil {
		errs = append(errs, "environment must be mock, replay, or live")
	}

	if c.Registry.Root == "" {
		errs = append(errs, "registry.root is required")
	}

	for name, b := range map[string]MQTTBrokerConfig{"live": c.MQTT.Live, "replay": c.MQTT.Replay} {
		if b.Port < 1 || b.Port > 65535 {
			errs = append(errs, fmt.Sprintf("mqtt.%s.port must be between 1 and 65535", name))
		}
	}
	if c.MQTT.ClientIDTemplate == "" {
		errs = append(errs, "mqtt.client_id_template is required")
	}
	if c.MQTT.ConnectTimeout <= 0 {
		errs = append(errs, "mqtt.connect_timeout must be positive")
	}
	if c.MQTT.PublishTimeout <= 0 {
		errs = append(errs, "mqtt.publish_timeout must be positive")
	}
	if c.MQTT.Reconnect.InitialDelay <= 0 || c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.InitialDelay {
		errs = append(errs, "mqtt.reconnect delays must be positive with max_delay >= initial_delay")
	}

	if c.Buffer.MaxMessages < 1 {
		errs = append(errs, "buffer.max_messages must be at least 1")
	}
	if c.Stock.MaxCapacity < 0 {
		errs = append(errs, "stock.max_capacity cannot be negative")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Audit.Database.Enabled && c.Audit.Database.Path == "" {
		errs = append(errs, "audit.database.path is required when enabled")
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetConnectTimeout returns the MQTT connect timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.MQTT.ConnectTimeout) * time.Second
}

// GetPublishTimeout returns the MQTT publish acknowledgement timeout as a Duration.
func (c *Config) GetPublishTimeout() time.Duration {
	return time.Duration(c.MQTT.PublishTimeout) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
