// Package config loads the Factory Core configuration.
//
// Values are resolved in three layers: built-in defaults, then the YAML
// file, then FACTORYCORE_* environment variables. Validate reports every
// problem at once rather than stopping at the first.
//
// The transport environment (mock, replay or live) selects which broker
// block applies; mock has none and never touches the network:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	broker, err := cfg.MQTT.Broker(cfg.Environment)
//
// Keep broker credentials and the InfluxDB token in the environment or a
// .env file, not in config.yaml.
package config
