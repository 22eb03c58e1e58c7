package gocredits

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewTransactionID returns a new time-sortable transaction id
func NewTransactionID() string {
	return ulid.Make().String()
}

// SignupReference is the reference id of the bonus granted at account creation
func SignupReference(userID string) string {
	return "signup:" + userID
}

// CreateAccountRequest represents the creation of a user's account
type CreateAccountRequest struct {
	UserID      string
	FreeCredits int
	Now         time.Time
}

// Apply builds the new account and its sign-up bonus transaction, if any
func (r *CreateAccountRequest) Apply() (*Account, []*Transaction) {
	now := r.Now.UTC()
	acct := &Account{
		UserID:    r.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if r.FreeCredits <= 0 {
		return acct, nil
	}
	acct.PurchasedBalance = r.FreeCredits
	tx := &Transaction{
		ID:             NewTransactionID(),
		UserID:         r.UserID,
		Type:           TransactionBonus,
		Amount:         r.FreeCredits,
		PurchasedDelta: r.FreeCredits,
		ReferenceID:    SignupReference(r.UserID),
		BalanceAfter:   acct.Balance(),
		Description:    "sign-up credits",
		CreatedAt:      now,
	}
	return acct, []*Transaction{tx}
}

// DebitRequest removes credits from an account
type DebitRequest struct {
	UserID      string
	Amount      int
	Type        TransactionType
	ReferenceID string
	Description string
	Now         time.Time
}

// Apply debits acct in place, subscription pool first, and returns the transaction written.
// acct is left untouched when the debit fails.
func (r *DebitRequest) Apply(acct *Account) ([]*Transaction, error) {
	if acct.Total() < r.Amount {
		return nil, &InsufficientCreditsError{
			UserID:    r.UserID,
			Required:  r.Amount,
			Available: acct.Total(),
		}
	}

	fromSubscription := r.Amount
	if fromSubscription > acct.SubscriptionBalance {
		fromSubscription = acct.SubscriptionBalance
	}
	fromPurchased := r.Amount - fromSubscription

	acct.SubscriptionBalance -= fromSubscription
	acct.PurchasedBalance -= fromPurchased
	acct.UpdatedAt = r.Now.UTC()

	return []*Transaction{{
		ID:                NewTransactionID(),
		UserID:            r.UserID,
		Type:              r.Type,
		Amount:            -r.Amount,
		SubscriptionDelta: -fromSubscription,
		PurchasedDelta:    -fromPurchased,
		ReferenceID:       r.ReferenceID,
		BalanceAfter:      acct.Balance(),
		Description:       r.Description,
		CreatedAt:         r.Now.UTC(),
	}}, nil
}

// CreditRequest adds credits to one or both pools
type CreditRequest struct {
	UserID             string
	Type               TransactionType
	ReferenceID        string
	Description        string
	SubscriptionAmount int
	PurchasedAmount    int
	Now                time.Time
}

// Amount returns the total credited
func (r *CreditRequest) Amount() int {
	return r.SubscriptionAmount + r.PurchasedAmount
}

// Apply credits acct in place and returns the transaction written
func (r *CreditRequest) Apply(acct *Account) ([]*Transaction, error) {
	if r.SubscriptionAmount < 0 || r.PurchasedAmount < 0 {
		return nil, ErrInvalidAmount
	}
	acct.SubscriptionBalance += r.SubscriptionAmount
	acct.PurchasedBalance += r.PurchasedAmount
	acct.UpdatedAt = r.Now.UTC()

	return []*Transaction{{
		ID:                NewTransactionID(),
		UserID:            r.UserID,
		Type:              r.Type,
		Amount:            r.Amount(),
		SubscriptionDelta: r.SubscriptionAmount,
		PurchasedDelta:    r.PurchasedAmount,
		ReferenceID:       r.ReferenceID,
		BalanceAfter:      acct.Balance(),
		Description:       r.Description,
		CreatedAt:         r.Now.UTC(),
	}}, nil
}

// SubscriptionAction is the lifecycle change carried by a SubscriptionRequest
type SubscriptionAction string

const (
	// SubscriptionActivate starts a new cycle: creation or renewal
	SubscriptionActivate SubscriptionAction = "activate"
	// SubscriptionChange switches plan without touching credits
	SubscriptionChange SubscriptionAction = "change"
	// SubscriptionCancel ends the subscription
	SubscriptionCancel SubscriptionAction = "cancel"
)

// SubscriptionRequest applies a billing subscription event to an account
type SubscriptionRequest struct {
	UserID      string
	ReferenceID string
	Action      SubscriptionAction

	// Plan is the new plan for activate/change and the plan being canceled for cancel
	Plan *Plan

	SubscriptionID string
	CustomerID     string

	// CycleAnchor overrides the account's anchor when set
	CycleAnchor time.Time

	// EventTime is the provider timestamp of the event
	EventTime time.Time

	Now time.Time
}

// IdempotencyType returns the transaction type whose (UserID, Type, ReferenceID) key
// marks this request as applied. Empty for requests that write no transaction.
func (r *SubscriptionRequest) IdempotencyType() TransactionType {
	switch r.Action {
	case SubscriptionActivate:
		return TransactionSubscription
	case SubscriptionCancel:
		return TransactionExpiration
	default:
		return ""
	}
}

// Validate checks the request shape
func (r *SubscriptionRequest) Validate() error {
	if r.UserID == "" {
		return ErrMissingUserID
	}
	if r.ReferenceID == "" {
		return ErrMissingReference
	}
	switch r.Action {
	case SubscriptionActivate, SubscriptionChange:
		if r.Plan == nil {
			return fmt.Errorf("%w: %s requires a plan", ErrPlanNotFound, r.Action)
		}
	case SubscriptionCancel:
	default:
		return fmt.Errorf("unknown subscription action %q", r.Action)
	}
	return nil
}

// Apply mutates acct in place and returns the transactions to append.
// Events older than the last applied subscription event fail with *StaleEventError.
func (r *SubscriptionRequest) Apply(acct *Account) ([]*Transaction, error) {
	eventTime := r.EventTime.UTC()
	if !acct.SubscriptionEventAt.IsZero() && eventTime.Before(acct.SubscriptionEventAt) {
		return nil, &StaleEventError{
			UserID:    r.UserID,
			EventTime: eventTime,
			AppliedAt: acct.SubscriptionEventAt,
		}
	}
	now := r.Now.UTC()

	// a cancellation for a subscription that has since been replaced changes nothing
	if r.Action == SubscriptionCancel && r.SubscriptionID != "" &&
		acct.SubscriptionID != "" && acct.SubscriptionID != r.SubscriptionID {
		return nil, nil
	}

	acct.SubscriptionEventAt = eventTime
	acct.UpdatedAt = now
	if r.CustomerID != "" {
		acct.CustomerID = r.CustomerID
	}

	var txs []*Transaction
	switch r.Action {
	case SubscriptionActivate:
		acct.PlanKey = r.Plan.Key
		if r.SubscriptionID != "" {
			acct.SubscriptionID = r.SubscriptionID
		}
		if !r.CycleAnchor.IsZero() {
			acct.CycleAnchor = r.CycleAnchor.UTC()
		} else if acct.CycleAnchor.IsZero() {
			acct.CycleAnchor = now
		}

		res := ApplyPlanRenewal(r.Plan, acct.SubscriptionBalance)
		if res.ExpiredAmount > 0 {
			acct.SubscriptionBalance -= res.ExpiredAmount
			txs = append(txs, r.transaction(acct, TransactionExpiration, -res.ExpiredAmount,
				fmt.Sprintf("%s renewal: unused credits expired", r.Plan.Key)))
		}
		acct.SubscriptionBalance += res.Granted
		txs = append(txs, r.transaction(acct, TransactionSubscription, res.Granted,
			fmt.Sprintf("%s cycle allocation", r.Plan.Key)))

	case SubscriptionChange:
		acct.PlanKey = r.Plan.Key
		if r.SubscriptionID != "" {
			acct.SubscriptionID = r.SubscriptionID
		}

	case SubscriptionCancel:
		forfeit := CancellationForfeit(r.Plan, acct.SubscriptionBalance)
		acct.PlanKey = ""
		acct.SubscriptionID = ""
		if forfeit > 0 {
			acct.SubscriptionBalance -= forfeit
			txs = append(txs, r.transaction(acct, TransactionExpiration, -forfeit,
				"subscription canceled: credits forfeited"))
		}
	}
	return txs, nil
}

func (r *SubscriptionRequest) transaction(acct *Account, txType TransactionType, amount int, desc string) *Transaction {
	return &Transaction{
		ID:                NewTransactionID(),
		UserID:            r.UserID,
		Type:              txType,
		Amount:            amount,
		SubscriptionDelta: amount,
		ReferenceID:       r.ReferenceID,
		BalanceAfter:      acct.Balance(),
		Description:       desc,
		CreatedAt:         r.Now.UTC(),
	}
}

// IdempotencyKey joins the fields that identify a transaction for deduplication
func IdempotencyKey(userID string, txType TransactionType, referenceID string) string {
	return userID + "|" + string(txType) + "|" + referenceID
}
