package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocredits/pkg/billing"
)

const (
	metadataUserID  = "user_id"
	metadataPackKey = "pack_key"
	metadataCredits = "credits"
	metadataPriceID = "price_id"

	billingReasonCycle = "subscription_cycle"
)

// subscriptionObject is the part of a Stripe subscription the ledger needs
type subscriptionObject struct {
	ID                 string            `json:"id"`
	Customer           json.RawMessage   `json:"customer"`
	Status             string            `json:"status"`
	Metadata           map[string]string `json:"metadata"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	StartDate          int64             `json:"start_date"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodStart int64 `json:"current_period_start"`
		} `json:"data"`
	} `json:"items"`
}

// invoiceObject covers both the legacy and the "parent" invoice layouts
type invoiceObject struct {
	ID                  string            `json:"id"`
	Customer            json.RawMessage   `json:"customer"`
	Subscription        json.RawMessage   `json:"subscription"`
	BillingReason       string            `json:"billing_reason"`
	AmountDue           int64             `json:"amount_due"`
	AmountPaid          int64             `json:"amount_paid"`
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage   `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []invoiceLine `json:"data"`
	} `json:"lines"`
}

type invoiceLine struct {
	Price *struct {
		ID string `json:"id"`
	} `json:"price"`
	Pricing *struct {
		PriceDetails *struct {
			Price string `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
	Period struct {
		Start int64 `json:"start"`
	} `json:"period"`
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	Customer          json.RawMessage   `json:"customer"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Metadata          map[string]string `json:"metadata"`
}

// translate turns a verified Stripe event into a normalized billing event.
// Stripe types the ledger does not act on keep their name and become *billing.Unhandled.
func (p *Provider) translate(ctx context.Context, event *stripe.Event) (billing.Event, error) {
	env := billing.Envelope{ID: event.ID, Type: string(event.Type), Created: event.Created}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return billing.FromEnvelope(env)
	}

	var err error
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		err = p.fromSubscription(ctx, event, &env)
	// invoice.payment_succeeded is left unhandled: it arrives alongside invoice.paid
	// under a different event id and would renew the cycle twice
	case "invoice.paid", "invoice.payment_failed":
		err = p.fromInvoice(ctx, event, &env)
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		err = p.fromCheckoutSession(ctx, event, &env)
	}
	if err != nil {
		return nil, err
	}
	return billing.FromEnvelope(env)
}

func (p *Provider) fromSubscription(ctx context.Context, event *stripe.Event, env *billing.Envelope) error {
	var sub subscriptionObject
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}

	switch event.Type {
	case "customer.subscription.created":
		if sub.Status != "active" && sub.Status != "trialing" {
			return nil
		}
		env.Type = string(billing.EventSubscriptionCreated)
	case "customer.subscription.updated":
		if !activeStatus(sub.Status) {
			return nil
		}
		env.Type = string(billing.EventSubscriptionUpdated)
		// incomplete subscriptions get their first allocation once payment confirms
		if previousStatus(event) == "incomplete" {
			env.Type = string(billing.EventSubscriptionCreated)
		}
	default:
		env.Type = string(billing.EventSubscriptionCanceled)
	}

	env.Data.SubscriptionID = sub.ID
	env.Data.CustomerID = expandableID(sub.Customer)
	env.Data.PeriodStart = sub.CurrentPeriodStart
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		env.Data.PriceID = item.Price.ID
		if item.CurrentPeriodStart > 0 {
			env.Data.PeriodStart = item.CurrentPeriodStart
		}
	}
	if env.Data.PeriodStart == 0 {
		env.Data.PeriodStart = sub.StartDate
	}
	return p.resolveUser(ctx, env, sub.Metadata)
}

func (p *Provider) fromInvoice(ctx context.Context, event *stripe.Event, env *billing.Envelope) error {
	var inv invoiceObject
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("%w: invoice: %v", billing.ErrInvalidWebhookPayload, err)
	}

	subscriptionID := expandableID(inv.Subscription)
	metadata := inv.Metadata
	if inv.SubscriptionDetails != nil && len(inv.SubscriptionDetails.Metadata) > 0 {
		metadata = inv.SubscriptionDetails.Metadata
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		if id := expandableID(inv.Parent.SubscriptionDetails.Subscription); id != "" {
			subscriptionID = id
		}
		if len(inv.Parent.SubscriptionDetails.Metadata) > 0 {
			metadata = inv.Parent.SubscriptionDetails.Metadata
		}
	}
	if subscriptionID == "" {
		// not a subscription invoice
		return nil
	}

	env.Data.SubscriptionID = subscriptionID
	env.Data.CustomerID = expandableID(inv.Customer)

	if event.Type == "invoice.payment_failed" {
		env.Type = string(billing.EventPaymentFailed)
		env.Data.AmountTotal = inv.AmountDue
		return p.resolveUser(ctx, env, metadata)
	}

	// the first invoice is covered by customer.subscription.created
	if inv.BillingReason != billingReasonCycle {
		return nil
	}
	env.Type = string(billing.EventSubscriptionRenewed)
	env.Data.AmountTotal = inv.AmountPaid
	if len(inv.Lines.Data) > 0 {
		line := inv.Lines.Data[0]
		env.Data.PriceID = line.priceID()
		env.Data.PeriodStart = line.Period.Start
	}
	return p.resolveUser(ctx, env, metadata)
}

func (l invoiceLine) priceID() string {
	if l.Pricing != nil && l.Pricing.PriceDetails != nil && l.Pricing.PriceDetails.Price != "" {
		return l.Pricing.PriceDetails.Price
	}
	if l.Price != nil {
		return l.Price.ID
	}
	return ""
}

func (p *Provider) fromCheckoutSession(ctx context.Context, event *stripe.Event, env *billing.Envelope) error {
	var session checkoutSessionObject
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: checkout session: %v", billing.ErrInvalidWebhookPayload, err)
	}
	// subscription checkouts arrive as customer.subscription.created
	if session.Mode != "payment" {
		return nil
	}
	if session.PaymentStatus != "paid" && session.PaymentStatus != "no_payment_required" {
		return nil
	}

	env.Type = string(billing.EventCreditPackPurchased)
	env.Data.CustomerID = expandableID(session.Customer)
	env.Data.AmountTotal = session.AmountTotal
	env.Data.Metadata.PackKey = session.Metadata[metadataPackKey]
	env.Data.PriceID = session.Metadata[metadataPriceID]
	if raw := session.Metadata[metadataCredits]; raw != "" {
		credits, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: checkout session %s: credits %q", billing.ErrInvalidWebhookPayload, session.ID, raw)
		}
		env.Data.Metadata.Credits = credits
	}

	metadata := session.Metadata
	if metadata[metadataUserID] == "" && session.ClientReferenceID != "" {
		metadata = map[string]string{metadataUserID: session.ClientReferenceID}
	}
	return p.resolveUser(ctx, env, metadata)
}

// resolveUser sets the user id from metadata, falling back to the Stripe customer's metadata
func (p *Provider) resolveUser(ctx context.Context, env *billing.Envelope, metadata map[string]string) error {
	if userID := metadata[metadataUserID]; userID != "" {
		env.Data.Metadata.UserID = userID
		return nil
	}
	userID, err := p.customerUserID(ctx, env.Data.CustomerID)
	if err != nil {
		return err
	}
	env.Data.Metadata.UserID = userID
	return nil
}

// customerUserID reads user_id from the customer's metadata. A missing customer yields "".
func (p *Provider) customerUserID(ctx context.Context, customerID string) (string, error) {
	if p.client == nil || customerID == "" {
		return "", nil
	}
	start := time.Now()
	cust, err := p.client.V1Customers.Retrieve(ctx, customerID, nil)
	p.metrics.RecordAPICallDuration(providerName, "/customers", time.Since(start))
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			p.metrics.RecordAPICall(providerName, "/customers", "not_found")
			return "", nil
		}
		p.metrics.RecordAPICall(providerName, "/customers", "error")
		return "", fmt.Errorf("%w: retrieve customer %s: %v", billing.ErrProviderAPIError, customerID, err)
	}
	p.metrics.RecordAPICall(providerName, "/customers", "success")
	return cust.Metadata[metadataUserID], nil
}

func activeStatus(status string) bool {
	switch status {
	case "active", "trialing", "past_due":
		return true
	default:
		return false
	}
}

func previousStatus(event *stripe.Event) string {
	if event.Data == nil || event.Data.PreviousAttributes == nil {
		return ""
	}
	status, _ := event.Data.PreviousAttributes["status"].(string)
	return status
}

// expandableID returns the id of a field that is either an id string or an expanded object
func expandableID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
