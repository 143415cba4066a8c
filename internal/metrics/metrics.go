// Package metrics exposes Prometheus metrics for Pebble Core event handling.
//
// Metrics is a pebble.Observer: register it on the handler and every
// outcome is counted by kind, status and error kind. It owns its registry
// so tests and multiple instances never collide on the global one.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/pebble-core/internal/pebble"
)

const namespace = "pebble"

// Metrics holds the Pebble Core collectors.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal     *prometheus.CounterVec   // kind, status, error_kind
	eventDuration   *prometheus.HistogramVec // kind
	transitions     *prometheus.CounterVec   // kind, from, to
	readingsTotal   prometheus.Counter
	publishFailures *prometheus.CounterVec // sink
}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "total",
			Help:      "Events handled, by kind, status and error kind",
		}, []string{"kind", "status", "error_kind"}),

		eventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "duration_seconds",
			Help:      "Handler duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"kind"}),

		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Applied lifecycle transitions, by kind and states",
		}, []string{"kind", "from", "to"}),

		readingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "data",
			Name:      "readings_total",
			Help:      "Telemetry readings accepted",
		}),

		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "observers",
			Name:      "failures_total",
			Help:      "Failed deliveries to outcome sinks (mqtt, influxdb, audit)",
		}, []string{"sink"}),
	}

	m.registry.MustRegister(
		m.eventsTotal,
		m.eventDuration,
		m.transitions,
		m.readingsTotal,
		m.publishFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe records one outcome. Safe to call on a nil *Metrics.
func (m *Metrics) Observe(_ context.Context, o pebble.Outcome) {
	if m == nil {
		return
	}

	kind := string(o.Kind)
	m.eventsTotal.WithLabelValues(kind, strconv.Itoa(int(o.Status)), string(o.ErrorKind)).Inc()
	m.eventDuration.WithLabelValues(kind).Observe(o.Duration.Seconds())

	if o.Status == pebble.StatusOK {
		m.transitions.WithLabelValues(kind, o.Transition.From.String(), o.Transition.To.String()).Inc()
	}
	if o.Reading != nil {
		m.readingsTotal.Inc()
	}
}

// SinkFailed counts a failed delivery to an outcome sink.
func (m *Metrics) SinkFailed(sink string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(sink).Inc()
}

// RegisterGaugeFunc exposes a value sampled at scrape time, such as pending
// payloads or WebSocket clients.
func (m *Metrics) RegisterGaugeFunc(subsystem, name, help string, fn func() float64) error {
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry: m.registry,
	})
}
