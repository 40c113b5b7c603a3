// Package metrics exposes bus activity as Prometheus metrics.
//
// A Metrics value owns its own registry so several kernels can live in one
// process. It implements bus.Observer and provides gin middleware for the
// HTTP surfaces.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/servicebus/bus"
	"github.com/hupe1980/servicebus/core"
	"github.com/hupe1980/servicebus/orchestration"
)

const namespace = "servicebus"

// Metrics collects bus, orchestration and HTTP metrics.
type Metrics struct {
	registry *prometheus.Registry

	enqueued         *prometheus.CounterVec
	dispatch         *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	dispatchAttempts prometheus.Histogram
	deadLetters      *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

var _ bus.Observer = (*Metrics)(nil)

// New creates the metrics and registers them, together with the Go runtime
// and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "enqueued_total",
				Help:      "Envelopes offered to the channel by result.",
			},
			[]string{"result"},
		),
		dispatch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "dispatch_total",
				Help:      "Envelopes handed to services by result.",
			},
			[]string{"service", "result"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "dispatch_duration_seconds",
				Help:      "Time spent handing one envelope to its service, retries included.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		dispatchAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "dispatch_attempts",
				Help:      "Attempts needed per dispatch.",
				Buckets:   []float64{1, 2, 3, 5, 10},
			},
		),
		deadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "dead_letters_total",
				Help:      "Dead-lettered envelopes by reason.",
			},
			[]string{"reason"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests.",
			},
			[]string{"server", "method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"server", "method", "path", "status"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.enqueued, m.dispatch, m.dispatchDuration, m.dispatchAttempts,
		m.deadLetters, m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Enqueued(accepted bool) {
	m.enqueued.WithLabelValues(result(accepted)).Inc()
}

func (m *Metrics) Dispatched(service string, attempts int, d time.Duration, accepted bool) {
	m.dispatch.WithLabelValues(service, result(accepted)).Inc()
	m.dispatchDuration.WithLabelValues(service).Observe(d.Seconds())
	m.dispatchAttempts.Observe(float64(attempts))
}

func (m *Metrics) DeadLettered(_ *core.Envelope, reason error) {
	m.deadLetters.WithLabelValues(Reason(reason)).Inc()
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(server, method, path string, status int, d time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(server, method, path, statusLabel).Inc()
	m.httpDuration.WithLabelValues(server, method, path, statusLabel).Observe(d.Seconds())
}

// ObserveBus exports the bus status as gauges sampled at scrape time.
func (m *Metrics) ObserveBus(status func() bus.Status) {
	gauge := func(name, help string, fn func(bus.Status) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(status()) })
	}
	m.registry.MustRegister(
		gauge("queued", "Envelopes waiting in the channel.", func(s bus.Status) float64 { return float64(s.Queued) }),
		gauge("capacity", "Channel capacity.", func(s bus.Status) float64 { return float64(s.Capacity) }),
		gauge("in_flight", "Envelopes received by a worker and not yet acknowledged.", func(s bus.Status) float64 { return float64(s.InFlight) }),
		gauge("workers", "Live workers.", func(s bus.Status) float64 { return float64(s.Workers) }),
		gauge("services", "Registered services.", func(s bus.Status) float64 { return float64(len(s.Services)) }),
		gauge("paused", "Whether the worker pool is paused.", func(s bus.Status) float64 {
			if s.Paused {
				return 1
			}
			return 0
		}),
	)
}

// ObserveOrchestration exports the orchestration counters as gauges.
func (m *Metrics) ObserveOrchestration(stats func() orchestration.Stats) {
	gauge := func(name, help string, fn func(orchestration.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestration",
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(stats()) })
	}
	m.registry.MustRegister(
		gauge("active_routes", "Issued hops that have not come back.", func(s orchestration.Stats) float64 { return float64(s.Active) }),
		gauge("remaining_routes", "Routes still owed by started graphs.", func(s orchestration.Stats) float64 { return float64(s.Remaining) }),
		gauge("in_flight", "Envelopes with an outstanding hop.", func(s orchestration.Stats) float64 { return float64(s.InFlight) }),
	)
}

// Reason maps a dead-letter reason onto a bounded label value.
func Reason(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, core.ErrUnroutable):
		return "unroutable"
	case errors.Is(err, core.ErrDispatchFailed):
		return "dispatch_failed"
	case errors.Is(err, core.ErrDeliveryFailed):
		return "delivery_failed"
	case errors.Is(err, core.ErrNotRunning):
		return "not_running"
	case errors.Is(err, core.ErrInvalidEnvelope):
		return "invalid_envelope"
	default:
		return "other"
	}
}

func result(ok bool) string {
	if ok {
		return "accepted"
	}
	return "rejected"
}
