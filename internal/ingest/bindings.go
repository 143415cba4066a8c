package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerrad567/pebble-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/pebble-core/internal/infrastructure/nats"
	"github.com/nerrad567/pebble-core/internal/pebble"
)

// ErrNotEventTopic is returned for messages outside the event hierarchy.
var ErrNotEventTopic = errors.New("ingest: not an event topic")

// MQTTSubscriber is the part of *mqtt.Client the MQTT binding needs.
type MQTTSubscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Topics() mqtt.Topics
	QoS() byte
}

// NATSSubscriber is the part of *nats.Client the NATS binding needs.
type NATSSubscriber interface {
	Subscribe(subject string, handler nats.MessageHandler) error
	Subjects() nats.Subjects
}

// BindMQTT subscribes d to every event topic on client. ctx is the parent
// of every dispatched event and is normally the service lifetime.
func BindMQTT(ctx context.Context, d *Dispatcher, client MQTTSubscriber) error {
	topics := client.Topics()
	err := client.Subscribe(topics.AllEvents(), client.QoS(), func(topic string, payload []byte) error {
		name, ok := topics.ParseEvent(topic)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotEventTopic, topic)
		}
		kind, err := pebble.ParseEventKind(name)
		if err != nil {
			return err
		}
		d.Dispatch(ctx, SourceMQTT, kind, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("binding mqtt events: %w", err)
	}
	return nil
}

// BindNATS subscribes d to every event subject on client. Requests with a
// reply subject receive the Result as JSON.
func BindNATS(ctx context.Context, d *Dispatcher, client NATSSubscriber) error {
	subjects := client.Subjects()
	err := client.Subscribe(subjects.AllEvents(), func(subject string, data []byte) ([]byte, error) {
		name, ok := subjects.ParseEvent(subject)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotEventTopic, subject)
		}
		kind, err := pebble.ParseEventKind(name)
		if err != nil {
			return nil, err
		}
		res := d.Dispatch(ctx, SourceNATS, kind, data)
		return json.Marshal(res)
	})
	if err != nil {
		return fmt.Errorf("binding nats events: %w", err)
	}
	return nil
}
