package gocredits

import "time"

// Metrics defines the interface for tracking ledger operations and performance.
type Metrics interface {
	// RecordDebit records a debit attempt. success is false for insufficient credits.
	RecordDebit(txType TransactionType, amount int, success bool)

	// RecordCredit records an applied credit.
	RecordCredit(txType TransactionType, amount int)

	// RecordDuplicate records an operation short-circuited by its reference id.
	RecordDuplicate(operation string)

	// RecordExpiration records credits forfeited at renewal or cancellation.
	RecordExpiration(planKey string, amount int)

	// RecordRateLimitCheck records the outcome and latency of a request limit check.
	RecordRateLimitCheck(planKey string, allowed bool, duration time.Duration)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDebit(_ TransactionType, _ int, _ bool)              {}
func (n *NoopMetrics) RecordCredit(_ TransactionType, _ int)                     {}
func (n *NoopMetrics) RecordDuplicate(_ string)                                  {}
func (n *NoopMetrics) RecordExpiration(_ string, _ int)                          {}
func (n *NoopMetrics) RecordRateLimitCheck(_ string, _ bool, _ time.Duration)    {}
func (n *NoopMetrics) RecordStorageOperation(_ string, _ time.Duration, _ error) {}
