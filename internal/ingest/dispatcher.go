package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/pebble-core/internal/pebble"
	"github.com/nerrad567/pebble-core/internal/resource"
)

// Transport sources recorded on every outcome.
const (
	SourceMQTT = "mqtt"
	SourceNATS = "nats"
	SourceHTTP = "http"
)

// EventHandler is the handler boundary the dispatcher drives.
// *pebble.Handler implements it.
type EventHandler interface {
	Handle(ctx context.Context, kind pebble.EventKind, ref uint32) pebble.Status
}

// Logger is the logging interface used by this package.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Result is what a transport learns about a dispatched event.
type Result struct {
	EventID string        `json:"event_id"`
	Status  pebble.Status `json:"status"`
}

// Dispatcher turns raw transport payloads into handler calls: it stores
// the payload behind a reference, attaches event metadata and the handler
// timeout to the context, invokes the handler and releases the reference.
//
// Thread Safety:
//   - Dispatch is safe for concurrent use from every transport goroutine.
type Dispatcher struct {
	handler  EventHandler
	payloads *resource.Table
	timeout  time.Duration
	logger   Logger
}

// NewDispatcher creates a dispatcher. payloads must be the same table the
// handler fetches from. A zero timeout disables the per-event deadline.
func NewDispatcher(handler EventHandler, payloads *resource.Table, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		handler:  handler,
		payloads: payloads,
		timeout:  timeout,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for dispatch problems.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// Pending returns the number of payloads currently held for handlers.
func (d *Dispatcher) Pending() int {
	return d.payloads.Len()
}

// Dispatch hands payload to the handler for kind and returns its status.
//
// If the payload table is full the handler is still invoked, with the
// never-issued reference 0, so the event surfaces as payload_unavailable
// through the usual logs and observers.
func (d *Dispatcher) Dispatch(ctx context.Context, source string, kind pebble.EventKind, payload []byte) Result {
	meta := pebble.EventMeta{ID: uuid.NewString(), Source: source}

	ref, err := d.payloads.Put(payload)
	if err != nil {
		d.logger.Warn("payload not stored", "event_id", meta.ID, "kind", kind, "source", source, "error", err)
		ref = 0
	} else {
		defer d.payloads.Release(ref)
	}

	ctx = pebble.WithEventMeta(ctx, meta)
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	return Result{EventID: meta.ID, Status: d.handler.Handle(ctx, kind, ref)}
}
