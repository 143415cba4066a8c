package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by Pebble Core.
const (
	// MeasurementData mirrors every accepted devicedata row.
	MeasurementData = "pebble_data"

	// MeasurementEvents records one point per handled event.
	MeasurementEvents = "pebble_events"
)

// Reading is a data event accepted into the devicedata relation.
type Reading struct {
	DeviceID  string
	Message   string
	Timestamp string
	At        time.Time
}

// EventSample summarises one handled event.
type EventSample struct {
	Kind      string
	Status    int
	ErrorKind string
	Duration  time.Duration
	At        time.Time
}

// ReadingPoint converts a reading into a pebble_data point.
//
// The device-supplied timestamp is opaque and kept as a string field;
// the point itself is stamped with the ingest time.
func ReadingPoint(r Reading) *write.Point {
	return write.NewPoint(
		MeasurementData,
		map[string]string{
			"device_id": r.DeviceID,
		},
		map[string]interface{}{
			"message":          r.Message,
			"device_timestamp": r.Timestamp,
		},
		stamp(r.At),
	)
}

// EventPoint converts an event sample into a pebble_events point.
func EventPoint(e EventSample) *write.Point {
	errorKind := e.ErrorKind
	if errorKind == "" {
		errorKind = "none"
	}
	return write.NewPoint(
		MeasurementEvents,
		map[string]string{
			"kind":       e.Kind,
			"status":     strconv.Itoa(e.Status),
			"error_kind": errorKind,
		},
		map[string]interface{}{
			"duration_us": e.Duration.Microseconds(),
		},
		stamp(e.At),
	)
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// WriteReading queues a pebble_data point.
// The write is non-blocking; data is batched and sent asynchronously.
//
// Example:
//
//	client.WriteReading(influxdb.Reading{
//	    DeviceID: "pebble-001", Message: "0a1b2c", Timestamp: "1700000000",
//	})
func (c *Client) WriteReading(r Reading) {
	c.write(ReadingPoint(r))
}

// WriteEvent queues a pebble_events point.
func (c *Client) WriteEvent(e EventSample) {
	c.write(EventPoint(e))
}
