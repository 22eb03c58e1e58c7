// Package prommetrics implements gocredits.Metrics using Prometheus.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// Metrics implements gocredits.Metrics using Prometheus.
type Metrics struct {
	debitsTotal            *prometheus.CounterVec
	debitAmount            *prometheus.HistogramVec
	creditsTotal           *prometheus.CounterVec
	creditAmount           *prometheus.CounterVec
	duplicatesTotal        *prometheus.CounterVec
	expiredCredits         *prometheus.CounterVec
	rateLimitCheckDuration *prometheus.HistogramVec
	rateLimitExceededTotal *prometheus.CounterVec
	storageOpsDuration     *prometheus.HistogramVec
	storageOpsErrors       *prometheus.CounterVec
}

var _ gocredits.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		debitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_debits_total",
			Help:      "Total number of debit attempts.",
		}, []string{"type", "success"}),

		debitAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_debit_amount",
			Help:      "Distribution of debited credit amounts.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}, []string{"type"}),

		creditsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credits_total",
			Help:      "Total number of applied credits.",
		}, []string{"type"}),

		creditAmount: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credited_amount_total",
			Help:      "Total amount of credits granted.",
		}, []string{"type"}),

		duplicatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_duplicates_total",
			Help:      "Total number of operations skipped because the reference was already applied.",
		}, []string{"operation"}),

		expiredCredits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_expired_credits_total",
			Help:      "Total amount of credits forfeited at renewal or cancellation.",
		}, []string{"plan"}),

		rateLimitCheckDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_check_duration_seconds",
			Help:      "Latency of rate limit checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plan"}),

		rateLimitExceededTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_exceeded_total",
			Help:      "Total number of rate limit rejections.",
		}, []string{"plan"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordDebit(txType gocredits.TransactionType, amount int, success bool) {
	m.debitsTotal.WithLabelValues(string(txType), strconv.FormatBool(success)).Inc()
	if success {
		m.debitAmount.WithLabelValues(string(txType)).Observe(float64(amount))
	}
}

func (m *Metrics) RecordCredit(txType gocredits.TransactionType, amount int) {
	m.creditsTotal.WithLabelValues(string(txType)).Inc()
	m.creditAmount.WithLabelValues(string(txType)).Add(float64(amount))
}

func (m *Metrics) RecordDuplicate(operation string) {
	m.duplicatesTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordExpiration(planKey string, amount int) {
	m.expiredCredits.WithLabelValues(planKey).Add(float64(amount))
}

func (m *Metrics) RecordRateLimitCheck(planKey string, allowed bool, duration time.Duration) {
	m.rateLimitCheckDuration.WithLabelValues(planKey).Observe(duration.Seconds())
	if !allowed {
		m.rateLimitExceededTotal.WithLabelValues(planKey).Inc()
	}
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
