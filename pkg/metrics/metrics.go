// Package metrics exposes Prometheus instrumentation for sync runs.
//
// A Metrics value owns its collectors and registers them on the registerer
// it is built with, so tests can use a private registry:
//
//	m := metrics.New(prometheus.NewRegistry())
//	m.RowsExtracted.WithLabelValues("10_sync_opd.sql").Add(42)
//
// Components accept a nil *Metrics and skip recording.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hissync"

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Metrics holds every collector used by the pipeline.
type Metrics struct {
	RowsExtracted      *prometheus.CounterVec
	ExtractionAttempts *prometheus.CounterVec
	RecordsDelivered   *prometheus.CounterVec
	HTTPAttempts       *prometheus.CounterVec
	RunDuration        *prometheus.HistogramVec
	RunsTotal          *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg. When reg is also a
// prometheus.Gatherer, Handler serves it.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		RowsExtracted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "rows_total",
			Help:      "Rows returned by the source database.",
		}, []string{"source"}),
		ExtractionAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "attempts_total",
			Help:      "Database fetch attempts by result (success, retryable, fatal).",
		}, []string{"result"}),
		RecordsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "records_total",
			Help:      "Records handled by the delivery engine by outcome.",
		}, []string{"source", "outcome"}),
		HTTPAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "http_attempts_total",
			Help:      "HTTP round trips issued by the retrying transport, by status code or \"error\".",
		}, []string{"method", "code"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall time of complete sync runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"source"}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "total",
			Help:      "Sync runs by status (success, fail, skipped, error).",
		}, []string{"status"}),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// ObserveRun records the outcome of a run.
func (m *Metrics) ObserveRun(source, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

// Delivered adds n records with the given outcome.
func (m *Metrics) Delivered(source, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsDelivered.WithLabelValues(source, outcome).Add(float64(n))
}

// Extracted adds n rows for source.
func (m *Metrics) Extracted(source string, n int) {
	if m == nil {
		return
	}
	m.RowsExtracted.WithLabelValues(source).Add(float64(n))
}

// Attempt records one database fetch attempt.
func (m *Metrics) Attempt(result string) {
	if m == nil {
		return
	}
	m.ExtractionAttempts.WithLabelValues(result).Inc()
}

// HTTPAttempt records one HTTP round trip.
func (m *Metrics) HTTPAttempt(method, code string) {
	if m == nil {
		return
	}
	m.HTTPAttempts.WithLabelValues(method, code).Inc()
}

// Handler serves the registry the metrics were registered on, or the
// default gatherer.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
