// Package metrics exposes Prometheus instruments for the record-sync core on
// a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehr/recordsync/internal/platform/apperr"
	"github.com/ehr/recordsync/internal/platform/record"
)

const namespace = "recordsync"

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds every instrument. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	dualWrite      *prometheus.CounterVec
	writeThrough   *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	idempotency    *prometheus.CounterVec
	eventsDropped  prometheus.Counter
	sinkFailures   *prometheus.CounterVec
	emrLatency     *prometheus.HistogramVec
	httpDuration   *prometheus.HistogramVec
	activeRequests prometheus.Gauge
}

// New registers all instruments on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		dualWrite: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dual_write_outcomes_total",
			Help:      "Per-store outcomes of dual-write creates",
		}, []string{"kind", "store", "result"}),
		writeThrough: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_through_total",
			Help:      "Write-through updates by result",
		}, []string{"kind", "result"}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_conflicts_total",
			Help:      "Mutations rejected by the concurrency guard",
		}, []string{"kind"}),
		idempotency: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_requests_total",
			Help:      "Idempotency gate decisions",
		}, []string{"result"}),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Post-commit events dropped because the queue was full",
		}),
		sinkFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_sink_failures_total",
			Help:      "Audit and alert deliveries that failed",
		}, []string{"sink"}),
		emrLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "emr_call_duration_seconds",
			Help:      "Latency of calls to the system of record",
			Buckets:   defaultDurationBuckets,
		}, []string{"op", "result"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   defaultDurationBuckets,
		}, []string{"method", "route", "status"}),
		activeRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "Requests currently being served",
		}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func resultLabel(k apperr.Kind) string {
	if k == "" {
		return "ok"
	}
	return string(k)
}

func (m *Metrics) ObserveDualWrite(kind record.Kind, store, result string) {
	if m == nil {
		return
	}
	m.dualWrite.WithLabelValues(string(kind), store, result).Inc()
}

func (m *Metrics) ObserveWriteThrough(kind record.Kind, result apperr.Kind) {
	if m == nil {
		return
	}
	m.writeThrough.WithLabelValues(string(kind), resultLabel(result)).Inc()
}

func (m *Metrics) ObserveConflict(kind record.Kind) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) ObserveIdempotency(result string) {
	if m == nil {
		return
	}
	m.idempotency.WithLabelValues(result).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) SinkFailed(sink string) {
	if m == nil {
		return
	}
	m.sinkFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) ObserveEMRCall(op string, result apperr.Kind, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.emrLatency.WithLabelValues(op, resultLabel(result)).Observe(elapsed.Seconds())
}

// Middleware records request latency per route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			m.activeRequests.Inc()
			defer m.activeRequests.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if ae, ok := apperr.As(err); ok {
					status = ae.HTTPStatus()
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.httpDuration.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}
