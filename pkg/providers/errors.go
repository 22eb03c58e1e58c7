package providers

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProviderUnavailable marks a provider that was skipped without being called
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrQuotaExhausted is returned when a provider's hard quota limit is reached
	ErrQuotaExhausted = errors.New("provider quota exhausted")

	// ErrProviderDisabled is returned for providers switched off in config
	ErrProviderDisabled = errors.New("provider disabled")

	// ErrCircuitOpen is returned when the provider's circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrAllProvidersExhausted is returned when no provider in the chain succeeded
	ErrAllProvidersExhausted = errors.New("all providers exhausted")

	// ErrNoProviders is returned when a router is built without providers
	ErrNoProviders = errors.New("no providers configured")

	// ErrDuplicateProvider is returned when two providers share a name
	ErrDuplicateProvider = errors.New("duplicate provider name")
)

// ProviderUnavailableError reports why a provider was skipped.
// It matches ErrProviderUnavailable with errors.Is and unwraps to the reason.
type ProviderUnavailableError struct {
	Provider string
	Reason   error
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider %s unavailable: %v", e.Provider, e.Reason)
}

func (e *ProviderUnavailableError) Unwrap() error {
	return e.Reason
}

func (e *ProviderUnavailableError) Is(target error) bool {
	return target == ErrProviderUnavailable
}

// Attempt records one provider considered for a request
type Attempt struct {
	Provider string
	// Skipped is true when the provider was not called
	Skipped bool
	Err     error
}

// AllProvidersExhaustedError is returned after every provider was skipped or failed.
// The reservation has been refunded when Refunded is true.
type AllProvidersExhaustedError struct {
	JobID    string
	Attempts []Attempt
	Refunded bool
}

func (e *AllProvidersExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return fmt.Sprintf("all providers exhausted for job %s [%s]", e.JobID, strings.Join(parts, "; "))
}

func (e *AllProvidersExhaustedError) Unwrap() error {
	return ErrAllProvidersExhausted
}
