package gocredits

import (
	"time"
)

// TransactionType classifies a ledger transaction
type TransactionType string

const (
	// TransactionPurchase is a one-off credit pack purchase
	TransactionPurchase TransactionType = "purchase"
	// TransactionSubscription is a subscription cycle allocation
	TransactionSubscription TransactionType = "subscription"
	// TransactionUsage is a debit for a processing request
	TransactionUsage TransactionType = "usage"
	// TransactionRefund returns credits after a failed or over-estimated request
	TransactionRefund TransactionType = "refund"
	// TransactionBonus is a grant that is not tied to a payment (sign-up, admin)
	TransactionBonus TransactionType = "bonus"
	// TransactionExpiration records credits forfeited at renewal or cancellation
	TransactionExpiration TransactionType = "expiration"
)

// Valid reports whether t is one of the known transaction types
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionPurchase, TransactionSubscription, TransactionUsage,
		TransactionRefund, TransactionBonus, TransactionExpiration:
		return true
	default:
		return false
	}
}

// Pool identifies one of the two balances held per account
type Pool string

const (
	// PoolSubscription holds credits allocated by the current subscription cycle
	PoolSubscription Pool = "subscription"
	// PoolPurchased holds credits bought as one-off packs or granted as bonus
	PoolPurchased Pool = "purchased"
)

// Balance is a point-in-time view of both pools
type Balance struct {
	SubscriptionBalance int `json:"subscription_balance"`
	PurchasedBalance    int `json:"purchased_balance"`
	Total               int `json:"total"`
}

// NewBalance builds a Balance and fills in the total
func NewBalance(subscription, purchased int) Balance {
	return Balance{
		SubscriptionBalance: subscription,
		PurchasedBalance:    purchased,
		Total:               subscription + purchased,
	}
}

// Account is the per-user credit account.
// Both balances are never negative.
type Account struct {
	UserID              string
	SubscriptionBalance int
	PurchasedBalance    int

	// PlanKey is empty when the user has no active subscription
	PlanKey        string
	SubscriptionID string
	CustomerID     string

	// CycleAnchor is the billing anniversary used to compute cycles
	CycleAnchor time.Time

	// SubscriptionEventAt is the provider timestamp of the last applied subscription event.
	// Older events are rejected as stale.
	SubscriptionEventAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Balance returns the account's current balance view
func (a *Account) Balance() Balance {
	return NewBalance(a.SubscriptionBalance, a.PurchasedBalance)
}

// Total returns the spendable credits across both pools
func (a *Account) Total() int {
	return a.SubscriptionBalance + a.PurchasedBalance
}

// Transaction is an immutable ledger entry.
// Amount is signed and always equals SubscriptionDelta + PurchasedDelta.
type Transaction struct {
	ID                string
	UserID            string
	Type              TransactionType
	Amount            int
	SubscriptionDelta int
	PurchasedDelta    int

	// ReferenceID anchors idempotency together with UserID and Type
	ReferenceID string

	// BalanceAfter is the account balance right after this entry was applied
	BalanceAfter Balance

	Description string
	CreatedAt   time.Time
}

// MutationResult is returned by every balance-changing operation
type MutationResult struct {
	Balance Balance

	// Transactions holds the entries written (or found, when Duplicate is set)
	Transactions []*Transaction

	// Duplicate is true when the reference was already applied and nothing changed
	Duplicate bool
}

// Transaction returns the first entry of the result, or nil
func (r *MutationResult) Transaction() *Transaction {
	if r == nil || len(r.Transactions) == 0 {
		return nil
	}
	return r.Transactions[0]
}

// History is a page of transactions, most recent first
type History struct {
	Transactions []*Transaction
	Total        int
}

// ReconcileReport compares stored balances with the sum of the transaction log
type ReconcileReport struct {
	UserID           string
	Stored           Balance
	Computed         Balance
	TransactionCount int
}

// Consistent reports whether the stored balances match the transaction log
func (r *ReconcileReport) Consistent() bool {
	return r.Stored == r.Computed
}

// RateLimitConfig defines a sliding window rate limit
type RateLimitConfig struct {
	// Rate is the number of requests allowed per window
	Rate int

	// Window is the time window for the rate limit (e.g. 1h)
	Window time.Duration
}

// RateLimitInfo contains information about a rate limit check result
type RateLimitInfo struct {
	// Remaining is the number of requests remaining in the current window
	Remaining int

	// ResetTime is when the oldest request leaves the window
	ResetTime time.Time

	// Limit is the total rate limit for the window
	Limit int
}

// Limits are the per-plan request ceilings
type Limits struct {
	// BatchLimit is the maximum number of images in a single request
	BatchLimit int `yaml:"batch_limit" json:"batch_limit"`

	// HourlyLimit is the maximum number of images processed per rolling hour
	HourlyLimit int `yaml:"hourly_limit" json:"hourly_limit"`
}
