// Package metrics exposes Prometheus counters/histograms for the ingestion
// and job-runner pipeline, grounded on core/infra/metrics/metrics.go's
// CounterVec/HistogramVec + sync.Once-guarded MustRegister pattern.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the interface consumed by the ingress router and job runner.
type Metrics interface {
	IncIngested(source, eventType string)
	IncIgnored(source, reason string)
	IncDuplicate(source string)
	IncProcessed(source, eventType string)
	IncFailed(source, eventType string)
	ObserveHandlerDuration(source, eventType string, d time.Duration)
	IncCRMCall(op, outcome string)
	IncLLMCall(outcome string)
}

var (
	registerOnce sync.Once
	prom         *promMetrics
)

type promMetrics struct {
	ingested  *prometheus.CounterVec
	ignored   *prometheus.CounterVec
	duplicate *prometheus.CounterVec
	processed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	crmCalls  *prometheus.CounterVec
	llmCalls  *prometheus.CounterVec
}

// NewProm returns the process-wide Prometheus-backed Metrics implementation.
// Registration happens once regardless of how many times NewProm is called,
// matching the teacher's sync.Once-guarded MustRegister idiom.
func NewProm() Metrics {
	registerOnce.Do(func() {
		prom = &promMetrics{
			ingested: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "webhookd_events_ingested_total",
				Help: "Webhook events accepted and staged, by source and event type.",
			}, []string{"source", "event_type"}),
			ignored: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "webhookd_events_ignored_total",
				Help: "Webhook events ignored at ingress or by a handler, by source and reason.",
			}, []string{"source", "reason"}),
			duplicate: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "webhookd_events_duplicate_total",
				Help: "Webhook events rejected as idempotency duplicates, by source.",
			}, []string{"source"}),
			processed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "webhookd_events_processed_total",
				Help: "Events whose handler completed successfully, by source and event type.",
			}, []string{"source", "event_type"}),
			failed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "webhookd_events_failed_total",
				Help: "Events that reached a terminal failed state, by source and event type.",
			}, []string{"source", "event_type"}),
			duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "webhookd_handler_duration_seconds",
				Help:    "Handler execution duration, by source and event type.",
				Buckets: prometheus.DefBuckets,
			}, []string{"source", "event_type"}),
			crmCalls: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "webhookd_crm_calls_total",
				Help: "Outbound CRM calls, by operation and outcome.",
			}, []string{"op", "outcome"}),
			llmCalls: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "webhookd_llm_calls_total",
				Help: "Outbound LLM calls, by outcome.",
			}, []string{"outcome"}),
		}
	})
	return prom
}

func (m *promMetrics) IncIngested(source, eventType string) {
	m.ingested.WithLabelValues(source, eventType).Inc()
}
func (m *promMetrics) IncIgnored(source, reason string) {
	m.ignored.WithLabelValues(source, reason).Inc()
}
func (m *promMetrics) IncDuplicate(source string) {
	m.duplicate.WithLabelValues(source).Inc()
}
func (m *promMetrics) IncProcessed(source, eventType string) {
	m.processed.WithLabelValues(source, eventType).Inc()
}
func (m *promMetrics) IncFailed(source, eventType string) {
	m.failed.WithLabelValues(source, eventType).Inc()
}
func (m *promMetrics) ObserveHandlerDuration(source, eventType string, d time.Duration) {
	m.duration.WithLabelValues(source, eventType).Observe(d.Seconds())
}
func (m *promMetrics) IncCRMCall(op, outcome string) {
	m.crmCalls.WithLabelValues(op, outcome).Inc()
}
func (m *promMetrics) IncLLMCall(outcome string) {
	m.llmCalls.WithLabelValues(outcome).Inc()
}

// Handler serves the Prometheus exposition format for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Noop is a discard implementation for tests.
type Noop struct{}

func (Noop) IncIngested(string, string)                        {}
func (Noop) IncIgnored(string, string)                          {}
func (Noop) IncDuplicate(string)                                 {}
func (Noop) IncProcessed(string, string)                        {}
func (Noop) IncFailed(string, string)                           {}
func (Noop) ObserveHandlerDuration(string, string, time.Duration) {}
func (Noop) IncCRMCall(string, string)                           {}
func (Noop) IncLLMCall(string)                                   {}
