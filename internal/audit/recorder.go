package audit

import (
	"context"
	"time"

	"github.com/nerrad567/pebble-core/internal/pebble"
)

// writeTimeout bounds an audit insert so a slow disk cannot stall the
// handling goroutine indefinitely.
const writeTimeout = 2 * time.Second

// Logger is the logging interface used by the Recorder.
type Logger interface {
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Error(string, ...any) {}

// Recorder is a pebble.Observer that writes each outcome to a Repository.
type Recorder struct {
	repo    Repository
	logger  Logger
	onError func()
}

// NewRecorder creates a Recorder over repo.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo, logger: noopLogger{}}
}

// SetLogger sets the logger for failed writes.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// OnError registers a callback run after each failed write, used for metrics.
func (r *Recorder) OnError(fn func()) {
	r.onError = fn
}

// Observe records o. The handler's context may already be cancelled by the
// dispatch timeout, so the write gets its own deadline.
func (r *Recorder) Observe(ctx context.Context, o pebble.Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	rec := FromOutcome(o)
	if err := r.repo.Create(ctx, &rec); err != nil {
		r.logger.Error("audit write failed", "event_id", o.EventID, "error", err)
		if r.onError != nil {
			r.onError()
		}
	}
}

// FromOutcome converts an outcome to an audit record.
func FromOutcome(o pebble.Outcome) Record {
	source := o.Source
	if source == "" {
		source = "internal"
	}
	return Record{
		EventID:   o.EventID,
		Kind:      string(o.Kind),
		DeviceID:  o.DeviceID,
		Source:    source,
		Status:    int(o.Status),
		ErrorKind: string(o.ErrorKind),
		Reason:    o.Reason(),
		Duration:  o.Duration,
		CreatedAt: o.At.UTC(),
	}
}
