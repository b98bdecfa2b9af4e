// Package transport owns the MQTT session of one domain.
//
// A Client subscribes every topic in its registry client role, keeps a
// bounded history per concrete topic and hands each received message to a
// Dispatcher on a single goroutine. Publishes take their QoS and retain flag
// from the registry unless overridden.
//
// Three environments are supported:
//
//	mock    no network I/O; publishes are recorded, messages come from Inject
//	replay  a local broker fed by a recorded session
//	live    the factory broker
//
// State machine:
//
//	DISCONNECTED -> CONNECTING -> CONNECTED -> DISCONNECTING -> DISCONNECTED
//	DISCONNECTED -> MOCK -> DISCONNECTING -> DISCONNECTED
//
// A spontaneous connection loss moves CONNECTED back to CONNECTING while
// paho reconnects; subscriptions are restored and buffers are kept.
package transport
