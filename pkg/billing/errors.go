package billing

import (
	"errors"
	"fmt"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when a signed payload cannot be turned into an event
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrDuplicateEvent is returned when an event id has already been applied
	ErrDuplicateEvent = errors.New("webhook event already applied")

	// ErrEventInProgress is returned when another worker holds the event's claim
	ErrEventInProgress = errors.New("webhook event is being processed")

	// ErrStaleEvent matches events older than the last applied subscription state
	ErrStaleEvent = gocredits.ErrStaleEvent

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")
)

// InvalidWebhookSignatureError wraps the verification failure of a webhook request
type InvalidWebhookSignatureError struct {
	Provider string
	Err      error
}

func (e *InvalidWebhookSignatureError) Error() string {
	return fmt.Sprintf("%s: invalid webhook signature: %v", e.Provider, e.Err)
}

func (e *InvalidWebhookSignatureError) Unwrap() []error {
	return []error{ErrInvalidWebhookSignature, e.Err}
}

// DuplicateWebhookEventError reports an event that was applied before
type DuplicateWebhookEventError struct {
	EventID string
}

func (e *DuplicateWebhookEventError) Error() string {
	return fmt.Sprintf("webhook event %s already applied", e.EventID)
}

func (e *DuplicateWebhookEventError) Unwrap() error {
	return ErrDuplicateEvent
}

// StaleWebhookEventError reports a subscription event that arrived after a newer one
type StaleWebhookEventError struct {
	EventID string
	Err     *gocredits.StaleEventError
}

func (e *StaleWebhookEventError) Error() string {
	return fmt.Sprintf("webhook event %s: %v", e.EventID, e.Err)
}

func (e *StaleWebhookEventError) Unwrap() error {
	return e.Err
}

func invalidPayload(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidWebhookPayload, fmt.Sprintf(format, args...))
}
