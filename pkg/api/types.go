package api

import (
	"time"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// BalanceResponse is the user's current standing in both pools
type BalanceResponse struct {
	UserID              string              `json:"user_id"`
	SubscriptionBalance int                 `json:"subscription_balance"`
	PurchasedBalance    int                 `json:"purchased_balance"`
	Total               int                 `json:"total"`
	Plan                string              `json:"plan,omitempty"`
	Expiration          *ExpirationResponse `json:"expiration,omitempty"`
}

// ExpirationResponse warns about subscription credits expiring at the end of the cycle
type ExpirationResponse struct {
	Warn          bool      `json:"warn"`
	Amount        int       `json:"amount"`
	DaysRemaining int       `json:"days_remaining"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// TransactionResponse is one ledger entry
type TransactionResponse struct {
	ID                string            `json:"id"`
	Type              string            `json:"type"`
	Amount            int               `json:"amount"`
	SubscriptionDelta int               `json:"subscription_delta"`
	PurchasedDelta    int               `json:"purchased_delta"`
	ReferenceID       string            `json:"reference_id"`
	BalanceAfter      gocredits.Balance `json:"balance_after"`
	Description       string            `json:"description,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// TransactionsResponse is a page of the transaction log, most recent first
type TransactionsResponse struct {
	Transactions []TransactionResponse `json:"transactions"`
	Total        int                   `json:"total"`
	Limit        int                   `json:"limit"`
	Offset       int                   `json:"offset"`
}

// PlansResponse lists the enabled plans in display order
type PlansResponse struct {
	Plans       []*gocredits.Plan `json:"plans"`
	Recommended string            `json:"recommended,omitempty"`
}

// ErrorResponse is the body of every error answer
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`

	// Set for rate limit errors
	Limit     int        `json:"limit,omitempty"`
	ResetTime *time.Time `json:"reset_time,omitempty"`

	// Set for insufficient credits errors
	Required  int `json:"required,omitempty"`
	Available int `json:"available,omitempty"`
}

func newTransactionResponse(tx *gocredits.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:                tx.ID,
		Type:              string(tx.Type),
		Amount:            tx.Amount,
		SubscriptionDelta: tx.SubscriptionDelta,
		PurchasedDelta:    tx.PurchasedDelta,
		ReferenceID:       tx.ReferenceID,
		BalanceAfter:      tx.BalanceAfter,
		Description:       tx.Description,
		CreatedAt:         tx.CreatedAt,
	}
}
