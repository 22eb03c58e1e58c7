// Package prommetrics implements billing.Metrics using Prometheus.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gocredits/pkg/billing"
)

const subsystem = "billing"

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	events     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	errors     *prometheus.CounterVec
	retries    *prometheus.CounterVec
	credits    *prometheus.CounterVec
	apiCalls   *prometheus.CounterVec
	apiLatency *prometheus.HistogramVec
}

var _ billing.Metrics = (*Metrics)(nil)

// NewMetrics registers the webhook and billing API metrics on reg
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
			Buckets: prometheus.DefBuckets,
		}, labels)
	}

	return &Metrics{
		events: counter("webhook_events_total",
			"Webhook events by outcome.", "provider", "event_type", "status"),
		duration: histogram("webhook_processing_duration_seconds",
			"Time spent processing a webhook event.", "provider", "event_type"),
		errors: counter("webhook_errors_total",
			"Webhook requests that failed before or during application.", "provider", "error_type"),
		retries: counter("webhook_retries_total",
			"Retried attempts at applying a webhook event.", "provider", "event_type"),
		credits: counter("credits_applied_total",
			"Credits moved by applied webhook events.", "provider", "transaction_type"),
		apiCalls: counter("api_calls_total",
			"Calls to billing provider APIs.", "provider", "endpoint", "status"),
		apiLatency: histogram("api_call_duration_seconds",
			"Latency of billing provider API calls.", "provider", "endpoint"),
	}
}

// DefaultMetrics registers on the default Prometheus registerer
func DefaultMetrics(namespace string) billing.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.events.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, d time.Duration) {
	m.duration.WithLabelValues(provider, eventType).Observe(d.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.errors.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordWebhookRetry(provider, eventType string) {
	m.retries.WithLabelValues(provider, eventType).Inc()
}

func (m *Metrics) RecordCreditsApplied(provider, transactionType string, credits int) {
	if credits <= 0 {
		return
	}
	m.credits.WithLabelValues(provider, transactionType).Add(float64(credits))
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCalls.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, d time.Duration) {
	m.apiLatency.WithLabelValues(provider, endpoint).Observe(d.Seconds())
}
