package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nerrad567/pebble-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/pebble-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/pebble-core/internal/infrastructure/nats"
	"github.com/nerrad567/pebble-core/internal/pebble"
)

// Sink names passed to the failure callback.
const (
	SinkMQTT = "mqtt"
	SinkNATS = "nats"
)

// OutcomeMessage is the wire form of a handler outcome on MQTT, NATS and
// the WebSocket stream.
type OutcomeMessage struct {
	EventID    string           `json:"event_id"`
	Source     string           `json:"source,omitempty"`
	Kind       pebble.EventKind `json:"kind"`
	DeviceID   string           `json:"device_id,omitempty"`
	Status     pebble.Status    `json:"status"`
	ErrorKind  pebble.ErrorKind `json:"error_kind,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	From       pebble.State     `json:"from"`
	To         pebble.State     `json:"to"`
	At         time.Time        `json:"at"`
	DurationUS int64            `json:"duration_us"`
}

// NewOutcomeMessage converts an outcome to its wire form.
func NewOutcomeMessage(o pebble.Outcome) OutcomeMessage {
	return OutcomeMessage{
		EventID:    o.EventID,
		Source:     o.Source,
		Kind:       o.Kind,
		DeviceID:   o.DeviceID,
		Status:     o.Status,
		ErrorKind:  o.ErrorKind,
		Reason:     o.Reason(),
		From:       o.Transition.From,
		To:         o.Transition.To,
		At:         o.At.UTC(),
		DurationUS: o.Duration.Microseconds(),
	}
}

// MQTTPublisher is the part of *mqtt.Client the outcome publisher needs.
type MQTTPublisher interface {
	PublishJSON(topic string, v any) error
	Topics() mqtt.Topics
}

// NATSPublisher is the part of *nats.Client the outcome publisher needs.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
	Subjects() nats.Subjects
}

// OutcomePublisher is a pebble.Observer that republishes every outcome on
// the configured buses. Publish failures are logged and counted; they never
// change the handler's status.
type OutcomePublisher struct {
	mqtt   MQTTPublisher
	nats   NATSPublisher
	logger Logger
	onFail func(sink string)
}

// NewOutcomePublisher creates a publisher with no sinks.
func NewOutcomePublisher() *OutcomePublisher {
	return &OutcomePublisher{logger: noopLogger{}}
}

// WithMQTT publishes outcomes on {prefix}/outcome/{kind}/{device_id}.
func (p *OutcomePublisher) WithMQTT(pub MQTTPublisher) *OutcomePublisher {
	p.mqtt = pub
	return p
}

// WithNATS publishes outcomes on {prefix}.outcome.{kind}.{device_id}.
func (p *OutcomePublisher) WithNATS(pub NATSPublisher) *OutcomePublisher {
	p.nats = pub
	return p
}

// SetLogger sets the logger for publish failures.
func (p *OutcomePublisher) SetLogger(logger Logger) {
	p.logger = logger
}

// OnFailure registers a callback run with the sink name after a failed publish.
func (p *OutcomePublisher) OnFailure(fn func(sink string)) {
	p.onFail = fn
}

// Observe publishes o to every configured sink.
func (p *OutcomePublisher) Observe(_ context.Context, o pebble.Outcome) {
	msg := NewOutcomeMessage(o)
	kind := string(o.Kind)

	if p.mqtt != nil {
		if err := p.mqtt.PublishJSON(p.mqtt.Topics().Outcome(kind, o.DeviceID), msg); err != nil {
			p.failed(SinkMQTT, o.EventID, err)
		}
	}

	if p.nats != nil {
		data, err := json.Marshal(msg)
		if err == nil {
			err = p.nats.Publish(p.nats.Subjects().Outcome(kind, o.DeviceID), data)
		}
		if err != nil {
			p.failed(SinkNATS, o.EventID, err)
		}
	}
}

func (p *OutcomePublisher) failed(sink, eventID string, err error) {
	p.logger.Warn("outcome publish failed", "sink", sink, "event_id", eventID, "error", err)
	if p.onFail != nil {
		p.onFail(sink)
	}
}

// TelemetryWriter is the part of *influxdb.Client the mirror needs.
type TelemetryWriter interface {
	WriteReading(r influxdb.Reading)
	WriteEvent(e influxdb.EventSample)
}

// TelemetryMirror is a pebble.Observer that copies event samples and
// accepted readings into the time-series store.
type TelemetryMirror struct {
	w TelemetryWriter
}

// NewTelemetryMirror creates a mirror writing to w.
func NewTelemetryMirror(w TelemetryWriter) *TelemetryMirror {
	return &TelemetryMirror{w: w}
}

// Observe writes one event sample, plus the reading when a data event was
// accepted.
func (m *TelemetryMirror) Observe(_ context.Context, o pebble.Outcome) {
	m.w.WriteEvent(influxdb.EventSample{
		Kind:      string(o.Kind),
		Status:    int(o.Status),
		ErrorKind: string(o.ErrorKind),
		Duration:  o.Duration,
		At:        o.At,
	})

	if o.Status != pebble.StatusOK || o.Reading == nil {
		return
	}
	m.w.WriteReading(influxdb.Reading{
		DeviceID:  o.Reading.DeviceID,
		Message:   o.Reading.Payload,
		Timestamp: o.Reading.Timestamp,
		At:        o.At,
	})
}
