package billing

import "net/http"

// Provider is implemented by each billing backend. It turns the backend's signed
// webhooks into events for the Processor.
type Provider interface {
	// Name returns the provider name (e.g. "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that verifies and processes webhooks
	WebhookHandler() http.Handler
}
