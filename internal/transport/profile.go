package transport

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/factory-core/internal/infrastructure/config"
	"github.com/nerrad567/factory-core/internal/infrastructure/mqtt"
)

// Profile is the environment a Client connects to.
type Profile struct {
	Environment string

	Host     string
	Port     int
	TLS      bool
	Username string
	Password string

	// ClientIDTemplate applies when the client role carries none.
	ClientIDTemplate string

	ConnectTimeout   time.Duration
	PublishTimeout   time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	StatusTopic      string
}

// MockProfile returns the profile of the mock environment.
func MockProfile() Profile {
	return Profile{Environment: config.EnvMock}
}

// ProfileFromConfig resolves the profile for env from the MQTT config.
func ProfileFromConfig(cfg config.MQTTConfig, env string) (Profile, error) {
	broker, err := cfg.Broker(env)
	if err != nil {
		return Profile{}, err
	}
	return Profile{
		Environment:      env,
		Host:             broker.Host,
		Port:             broker.Port,
		TLS:              broker.TLS,
		Username:         cfg.Auth.Username,
		Password:         cfg.Auth.Password,
		ClientIDTemplate: cfg.ClientIDTemplate,
		ConnectTimeout:   time.Duration(cfg.ConnectTimeout) * time.Second,
		PublishTimeout:   time.Duration(cfg.PublishTimeout) * time.Second,
		ReconnectInitial: time.Duration(cfg.Reconnect.InitialDelay) * time.Second,
		ReconnectMax:     time.Duration(cfg.Reconnect.MaxDelay) * time.Second,
		StatusTopic:      cfg.StatusTopic,
	}, nil
}

// IsMock reports whether the profile selects the mock environment.
func (p Profile) IsMock() bool {
	return p.Environment == config.EnvMock
}

func (p Profile) settings(clientID string) mqtt.Settings {
	return mqtt.Settings{
		Host:             p.Host,
		Port:             p.Port,
		TLS:              p.TLS,
		ClientID:         clientID,
		Username:         p.Username,
		Password:         p.Password,
		ConnectTimeout:   p.ConnectTimeout,
		PublishTimeout:   p.PublishTimeout,
		ReconnectInitial: p.ReconnectInitial,
		ReconnectMax:     p.ReconnectMax,
		StatusTopic:      p.StatusTopic,
	}
}

// ExpandClientID fills the {domain}, {env} and {uuid} placeholders.
// {uuid} becomes the first group of a random UUID so ids stay short.
func ExpandClientID(template, domain, env string) string {
	if template == "" {
		template = "{domain}-{env}"
	}
	id := strings.NewReplacer("{domain}", domain, "{env}", env).Replace(template)
	if strings.Contains(id, "{uuid}") {
		short, _, _ := strings.Cut(uuid.NewString(), "-")
		id = strings.ReplaceAll(id, "{uuid}", short)
	}
	return id
}
