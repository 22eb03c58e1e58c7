package providers

import "time"

// Metrics defines the interface for tracking routing decisions.
type Metrics interface {
	// RecordDispatch records a provider call. outcome is "success", "failure" or "skipped".
	RecordDispatch(provider, outcome string, duration time.Duration)

	// RecordFallback records a move from one provider to the next.
	RecordFallback(from, to string)

	// RecordRefund records credits returned to a user. reason is "exhausted" or "reconcile".
	RecordRefund(reason string, amount int)

	// RecordExhausted records a request for which every provider failed.
	RecordExhausted()

	// RecordCircuitBreakerStateChange records a provider's breaker transition.
	RecordCircuitBreakerStateChange(provider string, state CircuitBreakerState)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDispatch(_, _ string, _ time.Duration)                     {}
func (n *NoopMetrics) RecordFallback(_, _ string)                                      {}
func (n *NoopMetrics) RecordRefund(_ string, _ int)                                    {}
func (n *NoopMetrics) RecordExhausted()                                                {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string, _ CircuitBreakerState) {}
