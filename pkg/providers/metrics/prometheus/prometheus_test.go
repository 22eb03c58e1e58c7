package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/gocredits/pkg/providers"
)

func TestMetrics_Router(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordDispatch("replicate", "failure", time.Second)
	m.RecordDispatch("replicate", "skipped", 0)
	m.RecordDispatch("gemini", "success", 2*time.Second)
	m.RecordFallback("replicate", "gemini")
	m.RecordRefund("exhausted", 4)
	m.RecordRefund("exhausted", 2)
	m.RecordExhausted()
	m.RecordCircuitBreakerStateChange("replicate", providers.StateOpen)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("replicate", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("gemini", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fallbackTotal.WithLabelValues("replicate", "gemini")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.refundTotal.WithLabelValues("exhausted")))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.refundAmount.WithLabelValues("exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exhaustedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitBreakerStateChanges.WithLabelValues("replicate", "open")))

	// skipped dispatches are not timed
	assert.Equal(t, 2, testutil.CollectAndCount(m.dispatchDuration))
}
