// Package mqtt provides MQTT client connectivity for Factory Core.
//
// This package manages:
//   - Connection to the factory broker with backoff and auto-reconnect
//   - Context-aware publishing with QoS acknowledgement timeouts
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Topic filter validation and matching (+ and #)
//   - Optional retained status topic and Last Will
//
// # Architecture
//
// Every domain (admin, ccu, ...) owns one Client. The transport package
// wraps it with buffering and dispatch; nothing else talks to paho.
//
//	Factory modules ↔ MQTT Broker ↔ Client ↔ transport ↔ router
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, mqtt.Settings{Host: "192.168.0.100", Port: 1883, ClientID: "dash-ccu"})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("module/v1/ff/+/state", 1, func(topic string, payload []byte) error {
//	    return nil
//	})
//
//	err = client.Publish(ctx, mqtt.Topics{}.CCUOrderRequest(), payload, 1, false)
package mqtt
