package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Subscribe registers handler for topic, which may contain + and #
// wildcards (the event binding uses {prefix}/event/#). The subscription
// is remembered and restored after every reconnect.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case handler == nil:
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	case !c.IsConnected():
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subscriptions[topic] = subscription{qos: qos, handler: handler}
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	var err error
	if token.WaitTimeout(ackTimeout) {
		err = token.Error()
	} else {
		err = fmt.Errorf("timeout after %v", ackTimeout)
	}
	if err != nil {
		c.subMu.Lock()
		delete(c.subscriptions, topic)
		c.subMu.Unlock()
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

// SubscriptionCount returns the number of tracked subscriptions.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

// restoreSubscriptions re-subscribes every tracked topic after a reconnect.
// Failures are logged; paho retries on the next reconnect.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for topic, sub := range c.subscriptions {
		token := c.client.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler))
		go func() {
			if token.WaitTimeout(ackTimeout) && token.Error() == nil {
				return
			}
			c.getLogger().Error("MQTT resubscribe failed", "topic", topic, "error", token.Error())
		}()
	}
}

// wrapHandler drops oversized payloads, recovers handler panics and logs
// handler errors, counting each case.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		topic, payload := msg.Topic(), msg.Payload()

		if len(payload) > maxPayloadSize {
			c.oversized.Add(1)
			c.getLogger().Warn("MQTT message dropped",
				"topic", topic,
				"size", len(payload),
				"error", ErrPayloadTooLarge,
			)
			return
		}
		c.received.Add(1)

		defer func() {
			if r := recover(); r != nil {
				c.handlerPanics.Add(1)
				c.getLogger().Error("MQTT handler panic recovered", "topic", topic, "panic", r)
			}
		}()

		if err := handler(topic, payload); err != nil {
			c.handlerErrors.Add(1)
			c.getLogger().Warn("MQTT handler returned error", "topic", topic, "error", err)
		}
	}
}
