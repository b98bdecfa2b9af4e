// Package logging wraps log/slog for every Factory Core component.
//
// New builds a JSON or text handler from the logging section of
// config.yaml and stamps each record with the service name and build
// version. Component derives a child logger tagged with the component and
// the MQTT domain it serves, so one line identifies which transport or
// manager spoke:
//
//	log := logging.New(cfg.Logging, version)
//	log.Component("router", "ccu").Warn("message dropped", "topic", topic)
//
// Levels are debug, info, warn and error; unknown levels fall back to info.
// Discard returns a logger for tests and for components built without one.
//
// Never log broker passwords or the InfluxDB token.
package logging
