package gocredits

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInsufficientCredits is returned when a debit exceeds the available balance
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidAmount is returned for negative amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidTransactionType is returned for unknown transaction types
	ErrInvalidTransactionType = errors.New("invalid transaction type")

	// ErrMissingReference is returned when an operation requires a reference id
	ErrMissingReference = errors.New("reference id is required")

	// ErrMissingUserID is returned when a user id is empty
	ErrMissingUserID = errors.New("user id is required")

	// ErrAccountNotFound is returned when the user has no credit account
	ErrAccountNotFound = errors.New("account not found")

	// ErrPlanNotFound is returned when a plan key or price id is unknown
	ErrPlanNotFound = errors.New("plan not found")

	// ErrPackNotFound is returned when a credit pack key or price id is unknown
	ErrPackNotFound = errors.New("credit pack not found")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrRateLimitExceeded is returned when the hourly request window is full
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrBatchLimitExceeded is returned when a batch is larger than the plan allows
	ErrBatchLimitExceeded = errors.New("batch limit exceeded")

	// ErrStaleEvent is returned when a subscription event is older than the applied state
	ErrStaleEvent = errors.New("stale subscription event")

	// ErrInvalidCatalog is returned when the plan catalog fails validation
	ErrInvalidCatalog = errors.New("invalid plan catalog")

	// ErrInvalidTier is returned for an unknown quality tier
	ErrInvalidTier = errors.New("invalid quality tier")

	// ErrInvalidScale is returned for an unsupported scale factor
	ErrInvalidScale = errors.New("invalid scale factor")

	// ErrInvalidConfig is returned when a config struct fails validation
	ErrInvalidConfig = errors.New("invalid config")
)

// InsufficientCreditsError carries the amounts behind a failed debit
type InsufficientCreditsError struct {
	UserID    string
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// RateLimitExceededError is returned when the hourly window has no room for the request
type RateLimitExceededError struct {
	Info *RateLimitInfo
}

func (e *RateLimitExceededError) Error() string {
	if e.Info == nil {
		return ErrRateLimitExceeded.Error()
	}
	return fmt.Sprintf("rate limit exceeded: %d requests per window, resets at %s",
		e.Info.Limit, e.Info.ResetTime.UTC().Format(time.RFC3339))
}

func (e *RateLimitExceededError) Unwrap() error {
	return ErrRateLimitExceeded
}

// RetryAfter returns how long the caller should wait before retrying
func (e *RateLimitExceededError) RetryAfter(now time.Time) time.Duration {
	if e.Info == nil {
		return 0
	}
	if d := e.Info.ResetTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

// BatchLimitExceededError is returned when a batch is larger than the plan allows
type BatchLimitExceededError struct {
	Limit     int
	Requested int
}

func (e *BatchLimitExceededError) Error() string {
	return fmt.Sprintf("batch limit exceeded: requested %d, limit %d", e.Requested, e.Limit)
}

func (e *BatchLimitExceededError) Unwrap() error {
	return ErrBatchLimitExceeded
}

// StaleEventError is returned when a subscription event predates the last applied one
type StaleEventError struct {
	UserID    string
	EventTime time.Time
	AppliedAt time.Time
}

func (e *StaleEventError) Error() string {
	return fmt.Sprintf("stale subscription event for %s: event at %s, last applied at %s",
		e.UserID, e.EventTime.UTC().Format(time.RFC3339), e.AppliedAt.UTC().Format(time.RFC3339))
}

func (e *StaleEventError) Unwrap() error {
	return ErrStaleEvent
}
