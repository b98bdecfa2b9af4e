// Package sensors turns the buffered TXT sensor messages into typed
// readings.
//
// Readings are derived on demand from the latest buffered message of each
// sensor topic and cached until the next message of that sensor arrives.
// A Sink, when configured, receives every numeric reading as it is routed.
package sensors
