package mqtt

import (
	"encoding/json"
	"fmt"
)

// maxPayloadSize caps payloads in both directions at 1MB, matching the
// HTTP ingress body limit.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and waits for the broker's acknowledgment
// (up to 5s for QoS 1 and 2).
//
// Parameters:
//   - topic: The topic to publish to (e.g., "pebble/outcome/data/pebble-001")
//   - payload: The message payload (max 1MB)
//   - qos: Quality of Service level (0, 1, or 2)
//   - retained: Whether the broker should retain the message for new subscribers
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case len(payload) > maxPayloadSize:
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(payload), maxPayloadSize)
	case !c.IsConnected():
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	var err error
	if token.WaitTimeout(ackTimeout) {
		err = token.Error()
	} else {
		err = fmt.Errorf("timeout after %v", ackTimeout)
	}
	if err != nil {
		c.publishFailure.Add(1)
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	c.published.Add(1)
	return nil
}

// PublishJSON marshals v and publishes it non-retained with the default QoS.
// Handler outcomes go out this way.
func (c *Client) PublishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshalling payload: %w", ErrPublishFailed, err)
	}
	return c.Publish(topic, payload, c.QoS(), false)
}
