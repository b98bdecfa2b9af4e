package mqtt

import (
	"context"
	"fmt"
)

// Maximum payload size for MQTT messages (1MB).
const maxPayloadSize = 1 << 20

// Publish sends a message to a concrete topic.
//
// QoS 0 is fire-and-forget: Publish returns once paho has queued the
// packet. QoS 1 and 2 wait for the broker acknowledgement for at most the
// configured publish timeout. If ctx ends or the client is closed while
// waiting, the returned error wraps ErrCancelled.
//
// Example:
//
//	err := client.Publish(ctx, "ccu/order/request", payload, 1, false)
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if qos == 0 {
		return nil
	}

	if err := c.waitToken(ctx, token, c.settings.PublishTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}

	return nil
}
