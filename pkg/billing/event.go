package billing

import (
	"bytes"
	"encoding/json"
	"time"
)

// EventType is the normalized type of a billing event
type EventType string

const (
	EventSubscriptionCreated  EventType = "subscription.created"
	EventSubscriptionRenewed  EventType = "subscription.renewed"
	EventSubscriptionUpdated  EventType = "subscription.updated"
	EventSubscriptionCanceled EventType = "subscription.canceled"
	EventCreditPackPurchased  EventType = "credit_pack.purchased"
	EventPaymentFailed        EventType = "payment.failed"
)

// Envelope is the provider-neutral wire format of a billing event.
// Provider handlers translate their own payloads into it.
type Envelope struct {
	ID      string       `json:"id"`
	Type    string       `json:"type"`
	Created int64        `json:"created"`
	Data    EnvelopeData `json:"data"`
}

// EnvelopeData carries the fields the ledger needs from a billing object
type EnvelopeData struct {
	CustomerID     string `json:"customerId"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	PriceID        string `json:"priceId,omitempty"`
	AmountTotal    int64  `json:"amountTotal,omitempty"`

	// PeriodStart is the unix start of the billing period, when known
	PeriodStart int64 `json:"periodStart,omitempty"`

	Metadata EnvelopeMetadata `json:"metadata"`
}

// EnvelopeMetadata is the application metadata attached at checkout
type EnvelopeMetadata struct {
	UserID  string `json:"userId"`
	PackKey string `json:"packKey,omitempty"`
	Credits int    `json:"credits,omitempty"`
}

// Event is one of the typed billing events below
type Event interface {
	EventID() string
	EventType() EventType
	OccurredAt() time.Time
	User() string
}

// Header holds the fields shared by every event
type Header struct {
	ID         string
	Type       EventType
	Created    time.Time
	UserID     string
	CustomerID string
}

func (h Header) EventID() string       { return h.ID }
func (h Header) EventType() EventType  { return h.Type }
func (h Header) OccurredAt() time.Time { return h.Created }
func (h Header) User() string          { return h.UserID }

// SubscriptionCreated starts a subscription and grants its first allocation
type SubscriptionCreated struct {
	Header
	SubscriptionID string
	PriceID        string
	PeriodStart    time.Time
}

// SubscriptionRenewed starts a new billing cycle
type SubscriptionRenewed struct {
	Header
	SubscriptionID string
	PriceID        string
	PeriodStart    time.Time
}

// SubscriptionUpdated moves a subscription to another plan without touching credits
type SubscriptionUpdated struct {
	Header
	SubscriptionID string
	PriceID        string
}

// SubscriptionCanceled ends a subscription
type SubscriptionCanceled struct {
	Header
	SubscriptionID string
	PriceID        string
}

// CreditPackPurchased is a completed one-off payment for a credit pack
type CreditPackPurchased struct {
	Header
	PackKey     string
	PriceID     string
	Credits     int
	AmountTotal int64
}

// PaymentFailed is a failed subscription payment. It changes no credits.
type PaymentFailed struct {
	Header
	SubscriptionID string
	AmountTotal    int64
}

// Unhandled is a signed event of a type the ledger does not act on
type Unhandled struct {
	Header
}

// ParseEvent decodes a JSON envelope and validates it into a typed event.
// Unknown fields are rejected; unknown types become *Unhandled.
func ParseEvent(payload []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, invalidPayload("decode envelope: %v", err)
	}
	return FromEnvelope(env)
}

// FromEnvelope validates env and builds the matching event variant
func FromEnvelope(env Envelope) (Event, error) {
	if env.ID == "" {
		return nil, invalidPayload("missing event id")
	}
	if env.Type == "" {
		return nil, invalidPayload("event %s: missing type", env.ID)
	}
	if env.Created <= 0 {
		return nil, invalidPayload("event %s: missing created timestamp", env.ID)
	}

	h := Header{
		ID:         env.ID,
		Type:       EventType(env.Type),
		Created:    time.Unix(env.Created, 0).UTC(),
		UserID:     env.Data.Metadata.UserID,
		CustomerID: env.Data.CustomerID,
	}
	d := env.Data

	switch h.Type {
	case EventSubscriptionCreated, EventSubscriptionRenewed, EventSubscriptionUpdated:
		if err := require(env, "metadata.userId", h.UserID, "subscriptionId", d.SubscriptionID, "priceId", d.PriceID); err != nil {
			return nil, err
		}
		var periodStart time.Time
		if d.PeriodStart > 0 {
			periodStart = time.Unix(d.PeriodStart, 0).UTC()
		}
		switch h.Type {
		case EventSubscriptionCreated:
			return &SubscriptionCreated{Header: h, SubscriptionID: d.SubscriptionID, PriceID: d.PriceID, PeriodStart: periodStart}, nil
		case EventSubscriptionRenewed:
			return &SubscriptionRenewed{Header: h, SubscriptionID: d.SubscriptionID, PriceID: d.PriceID, PeriodStart: periodStart}, nil
		default:
			return &SubscriptionUpdated{Header: h, SubscriptionID: d.SubscriptionID, PriceID: d.PriceID}, nil
		}

	case EventSubscriptionCanceled:
		if err := require(env, "metadata.userId", h.UserID, "subscriptionId", d.SubscriptionID); err != nil {
			return nil, err
		}
		return &SubscriptionCanceled{Header: h, SubscriptionID: d.SubscriptionID, PriceID: d.PriceID}, nil

	case EventCreditPackPurchased:
		if err := require(env, "metadata.userId", h.UserID); err != nil {
			return nil, err
		}
		if d.Metadata.Credits < 0 {
			return nil, invalidPayload("event %s: negative credits", env.ID)
		}
		if d.Metadata.PackKey == "" && d.PriceID == "" && d.Metadata.Credits == 0 {
			return nil, invalidPayload("event %s: credit pack purchase names no pack", env.ID)
		}
		return &CreditPackPurchased{
			Header:      h,
			PackKey:     d.Metadata.PackKey,
			PriceID:     d.PriceID,
			Credits:     d.Metadata.Credits,
			AmountTotal: d.AmountTotal,
		}, nil

	case EventPaymentFailed:
		return &PaymentFailed{Header: h, SubscriptionID: d.SubscriptionID, AmountTotal: d.AmountTotal}, nil

	default:
		return &Unhandled{Header: h}, nil
	}
}

// require checks name/value pairs and reports the first empty one
func require(env Envelope, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return invalidPayload("event %s (%s): missing %s", env.ID, env.Type, pairs[i])
		}
	}
	return nil
}
