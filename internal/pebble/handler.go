package pebble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PayloadSource resolves an opaque event reference into payload bytes.
type PayloadSource interface {
	Fetch(ref uint32) ([]byte, error)
}

// Logger defines the logging interface used by the Handler.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Outcome is what observers learn about one handled event.
type Outcome struct {
	EventID    string
	Source     string
	Kind       EventKind
	DeviceID   string
	Status     Status
	ErrorKind  ErrorKind
	Err        error
	Transition Transition

	// Reading is set for accepted data events.
	Reading *DataEvent

	At       time.Time
	Duration time.Duration
}

// Reason is the error text, or "" on success.
func (o Outcome) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Observer receives every Outcome after the handler has decided it.
// Observe is called synchronously on the handling goroutine and must not
// block for long.
type Observer interface {
	Observe(ctx context.Context, o Outcome)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, o Outcome)

func (f ObserverFunc) Observe(ctx context.Context, o Outcome) { f(ctx, o) }

// EventMeta carries transport metadata for one event through the context.
type EventMeta struct {
	ID     string
	Source string
}

type eventMetaKey struct{}

// WithEventMeta attaches meta to ctx.
func WithEventMeta(ctx context.Context, meta EventMeta) context.Context {
	return context.WithValue(ctx, eventMetaKey{}, meta)
}

// EventMetaFrom returns the metadata attached to ctx, if any.
func EventMetaFrom(ctx context.Context) (EventMeta, bool) {
	meta, ok := ctx.Value(eventMetaKey{}).(EventMeta)
	return meta, ok
}

// Handler is the event boundary: it fetches the payload, decodes it, runs
// the lifecycle transition and reports StatusOK or StatusFailed. Nothing
// escapes it, panics included. The failure reason goes to the logger and
// to observers only.
//
// Thread Safety:
//   - Handle methods are safe for concurrent use. Configure the logger and
//     observers before the first event.
type Handler struct {
	source    PayloadSource
	decoder   *Decoder
	machine   *Machine
	logger    Logger
	observers []Observer
	now       func() time.Time

	mu sync.Mutex // guards observers during AddObserver
}

// NewHandler wires a Handler. A nil decoder means JSON.
func NewHandler(source PayloadSource, decoder *Decoder, machine *Machine) *Handler {
	if decoder == nil {
		decoder = NewDecoder(nil)
	}
	return &Handler{
		source:  source,
		decoder: decoder,
		machine: machine,
		logger:  noopLogger{},
		now:     time.Now,
	}
}

// SetLogger sets the logger for the handler.
func (h *Handler) SetLogger(logger Logger) {
	h.logger = logger
}

// AddObserver registers an observer for every subsequent outcome.
func (h *Handler) AddObserver(o Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, o)
}

// Decoder returns the decoder used for payloads.
func (h *Handler) Decoder() *Decoder {
	return h.decoder
}

// HandleDeviceRegistered handles a registration event.
func (h *Handler) HandleDeviceRegistered(ctx context.Context, ref uint32) Status {
	return h.Handle(ctx, EventRegistered, ref)
}

// HandleDeviceBinding handles a binding or unbinding event.
func (h *Handler) HandleDeviceBinding(ctx context.Context, ref uint32) Status {
	return h.Handle(ctx, EventBinding, ref)
}

// HandleDeviceData handles a telemetry event.
func (h *Handler) HandleDeviceData(ctx context.Context, ref uint32) Status {
	return h.Handle(ctx, EventData, ref)
}

// Handle routes ref to the handler for kind. The status is settled in the
// deferred report so a recovered panic still yields StatusFailed.
func (h *Handler) Handle(ctx context.Context, kind EventKind, ref uint32) (status Status) {
	start := h.now()
	out := Outcome{Kind: kind, At: start}
	if meta, ok := EventMetaFrom(ctx); ok {
		out.EventID, out.Source = meta.ID, meta.Source
	}
	if out.EventID == "" {
		out.EventID = uuid.NewString()
	}

	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("pebble: panic handling %s event: %v", kind, r)
		}
		out.Duration = h.now().Sub(start)
		out.ErrorKind = KindOf(out.Err)
		out.Status = StatusOK
		if out.Err != nil {
			out.Status = StatusFailed
		}
		h.report(ctx, out)
		status = out.Status
	}()

	raw, err := h.source.Fetch(ref)
	if err != nil {
		if !errors.Is(err, ErrPayloadUnavailable) {
			err = fmt.Errorf("%w: ref %d: %w", ErrPayloadUnavailable, ref, err)
		}
		out.Err = err
		return
	}

	out.Transition, out.Reading, out.Err = h.apply(ctx, kind, raw)
	out.DeviceID = out.Transition.DeviceID
	if out.DeviceID == "" && out.Err != nil {
		out.DeviceID = h.decoder.DeviceID(raw)
	}
	return
}

// apply decodes raw for kind and runs the matching transition.
func (h *Handler) apply(ctx context.Context, kind EventKind, raw []byte) (Transition, *DataEvent, error) {
	switch kind {
	case EventRegistered:
		ev, err := h.decoder.DecodeRegistration(raw)
		if err != nil {
			return Transition{Kind: kind}, nil, err
		}
		t, err := h.machine.RegisterDevice(ctx, ev)
		return t, nil, err

	case EventBinding:
		ev, err := h.decoder.DecodeBinding(raw)
		if err != nil {
			return Transition{Kind: kind}, nil, err
		}
		t, err := h.machine.SetBinding(ctx, ev)
		return t, nil, err

	case EventData:
		ev, err := h.decoder.DecodeData(raw)
		if err != nil {
			return Transition{Kind: kind}, nil, err
		}
		t, err := h.machine.IngestData(ctx, ev)
		if err != nil {
			return t, nil, err
		}
		return t, &ev, nil

	default:
		return Transition{Kind: kind}, nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, kind)
	}
}

// report logs the outcome and notifies observers.
func (h *Handler) report(ctx context.Context, out Outcome) {
	args := []any{
		"event_id", out.EventID,
		"kind", out.Kind,
		"device_id", out.DeviceID,
		"status", out.Status,
	}
	if out.Source != "" {
		args = append(args, "source", out.Source)
	}

	switch out.ErrorKind {
	case ErrorKindNone:
		args = append(args, "from", out.Transition.From, "to", out.Transition.To)
		h.logger.Info("event applied", args...)
	case ErrorKindPrecondition, ErrorKindDecode:
		args = append(args, "error_kind", out.ErrorKind, "error", out.Err)
		h.logger.Warn("event rejected", args...)
	default:
		args = append(args, "error_kind", out.ErrorKind, "error", out.Err)
		h.logger.Error("event failed", args...)
	}

	h.mu.Lock()
	observers := h.observers
	h.mu.Unlock()

	for _, o := range observers {
		h.notify(ctx, o, out)
	}
}

func (h *Handler) notify(ctx context.Context, o Observer, out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("observer panicked", "event_id", out.EventID, "panic", r)
		}
	}()
	o.Observe(ctx, out)
}
