package gocredits

import (
	"context"
	"time"
)

// Storage defines the interface for ledger persistence.
// Every mutating method must be linearizable per user: backends hold a per-user lock,
// a row lock or an optimistic transaction for the whole read-apply-write cycle, check
// the (UserID, Type, ReferenceID) idempotency key inside it, and use the request's
// Apply method to compute the new state.
type Storage interface {
	// GetAccount returns the user's account or ErrAccountNotFound
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// CreateAccount creates the account if it does not exist.
	// Returns the account and whether it was created by this call.
	CreateAccount(ctx context.Context, req *CreateAccountRequest) (*Account, bool, error)

	// Debit atomically removes credits, subscription pool first.
	// Returns an *InsufficientCreditsError without changing anything when the total is short.
	Debit(ctx context.Context, req *DebitRequest) (*MutationResult, error)

	// Credit atomically adds credits to the pools named in the request
	Credit(ctx context.Context, req *CreditRequest) (*MutationResult, error)

	// ApplySubscription applies a subscription lifecycle change (activation, renewal,
	// plan change, cancellation) including the renewal arithmetic
	ApplySubscription(ctx context.Context, req *SubscriptionRequest) (*MutationResult, error)

	// GetTransaction looks up a transaction by its idempotency key.
	// Returns nil, nil when no such transaction exists.
	GetTransaction(ctx context.Context, userID string, txType TransactionType, referenceID string) (*Transaction, error)

	// ListTransactions returns a page of the user's transactions, most recent first,
	// and the total number of transactions
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]*Transaction, int, error)

	// DeleteAccount removes the account and all of its transactions
	DeleteAccount(ctx context.Context, userID string) error

	// CheckRateLimit checks the sliding window and records the request when allowed.
	// Returns (allowed, remaining, resetTime, error).
	CheckRateLimit(ctx context.Context, req *RateLimitRequest) (bool, int, time.Time, error)
}

// ClaimStatus is the result of an attempt to claim a billing event for processing
type ClaimStatus int

const (
	// ClaimAcquired means the caller owns the event and must complete or release it
	ClaimAcquired ClaimStatus = iota
	// ClaimApplied means the event was already applied
	ClaimApplied
	// ClaimInProgress means another worker holds an unexpired lease on the event
	ClaimInProgress
)

func (s ClaimStatus) String() string {
	switch s {
	case ClaimAcquired:
		return "acquired"
	case ClaimApplied:
		return "applied"
	case ClaimInProgress:
		return "in_progress"
	default:
		return "unknown"
	}
}

// EventStore records which billing events have been applied.
// ClaimEvent must be an atomic check-and-set.
type EventStore interface {
	// ClaimEvent takes a lease on eventID unless it is applied or leased by someone else.
	// An expired lease may be taken over.
	ClaimEvent(ctx context.Context, eventID string, lease time.Duration) (ClaimStatus, error)

	// CompleteEvent marks a claimed event as applied
	CompleteEvent(ctx context.Context, eventID string) error

	// ReleaseEvent drops a claim so a redelivery can retry the event
	ReleaseEvent(ctx context.Context, eventID string) error
}

// RateLimitRequest represents a sliding window check for one user
type RateLimitRequest struct {
	UserID string
	Rate   int
	Window time.Duration

	// Weight is the number of requests this call accounts for (the batch size)
	Weight int

	Now time.Time
}
