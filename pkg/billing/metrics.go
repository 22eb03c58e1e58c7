package billing

import "time"

// Metrics defines the interface for tracking billing webhook processing.
type Metrics interface {
	// RecordWebhookEvent records a processed webhook event.
	// status is the Outcome ("applied", "duplicate", "stale", "ignored", "rejected") or "error".
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook failure.
	// errorType: e.g. "invalid_signature", "invalid_payload", "apply_failed", "in_progress"
	RecordWebhookError(provider, errorType string)

	// RecordWebhookRetry records a retried attempt at applying an event.
	RecordWebhookRetry(provider, eventType string)

	// RecordCreditsApplied records the credits an applied event moved, by transaction type.
	// credits is the absolute amount; expirations are reported as positive values.
	RecordCreditsApplied(provider, transactionType string, credits int)

	// RecordAPICall records an API call to the billing provider.
	// status: "success", "error" or a short failure reason
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordWebhookRetry(_, _ string)                               {}
func (n *NoopMetrics) RecordCreditsApplied(_, _ string, _ int)                      {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
