package billing

import (
	"time"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// AppliedEvent describes a webhook event that changed the ledger.
// It is passed to ProcessorConfig.OnApplied after the mutation is stored.
type AppliedEvent struct {
	// EventID is the billing provider's event id, also the transactions' reference id
	EventID string

	// Provider is the billing provider name ("stripe")
	Provider string

	Type   EventType
	UserID string

	// EventTimestamp is when the event occurred at the provider
	EventTimestamp time.Time

	// PlanKey is the plan the event resolved to, empty for credit packs and cancellations
	PlanKey string

	// Balance is the user's balance after the event
	Balance gocredits.Balance

	// Transactions are the ledger entries the event wrote
	Transactions []*gocredits.Transaction
}
