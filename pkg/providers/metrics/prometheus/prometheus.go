// Package prommetrics implements providers.Metrics using Prometheus.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gocredits/pkg/providers"
)

// Metrics implements providers.Metrics using Prometheus.
type Metrics struct {
	dispatchTotal              *prometheus.CounterVec
	dispatchDuration           *prometheus.HistogramVec
	fallbackTotal              *prometheus.CounterVec
	refundTotal                *prometheus.CounterVec
	refundAmount               *prometheus.CounterVec
	exhaustedTotal             prometheus.Counter
	circuitBreakerStateChanges *prometheus.CounterVec
}

var _ providers.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		dispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dispatch_total",
			Help:      "Total number of provider dispatch attempts by outcome.",
		}, []string{"provider", "outcome"}),

		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dispatch_duration_seconds",
			Help:      "Latency of provider calls.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),

		fallbackTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "fallback_total",
			Help:      "Total number of moves from one provider to the next.",
		}, []string{"from", "to"}),

		refundTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "refunds_total",
			Help:      "Total number of refunds issued by the router.",
		}, []string{"reason"}),

		refundAmount: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "refunded_credits_total",
			Help:      "Total amount of credits refunded by the router.",
		}, []string{"reason"}),

		exhaustedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "exhausted_total",
			Help:      "Total number of requests for which every provider failed.",
		}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of provider circuit breaker state changes.",
		}, []string{"provider", "state"}),
	}
}

func (m *Metrics) RecordDispatch(provider, outcome string, duration time.Duration) {
	m.dispatchTotal.WithLabelValues(provider, outcome).Inc()
	if outcome != "skipped" {
		m.dispatchDuration.WithLabelValues(provider).Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordFallback(from, to string) {
	m.fallbackTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordRefund(reason string, amount int) {
	m.refundTotal.WithLabelValues(reason).Inc()
	m.refundAmount.WithLabelValues(reason).Add(float64(amount))
}

func (m *Metrics) RecordExhausted() {
	m.exhaustedTotal.Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(provider string, state providers.CircuitBreakerState) {
	m.circuitBreakerStateChanges.WithLabelValues(provider, string(state)).Inc()
}
