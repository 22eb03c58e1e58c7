package revenuecat

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/gocredits/pkg/billing"
	"github.com/mihaimyh/gocredits/pkg/billing/internal"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// RevenueCat event types the ledger acts on
const (
	typeTest                = "TEST"
	typeInitialPurchase     = "INITIAL_PURCHASE"
	typeRenewal             = "RENEWAL"
	typeProductChange       = "PRODUCT_CHANGE"
	typeExpiration          = "EXPIRATION"
	typeNonRenewingPurchase = "NON_RENEWING_PURCHASE"
	typeBillingIssue        = "BILLING_ISSUE"

	environmentSandbox = "SANDBOX"
)

// webhookPayload is the part of a RevenueCat webhook the ledger needs
type webhookPayload struct {
	APIVersion string       `json:"api_version"`
	Event      webhookEvent `json:"event"`
}

type webhookEvent struct {
	ID                    string  `json:"id"`
	Type                  string  `json:"type"`
	AppUserID             string  `json:"app_user_id"`
	ProductID             string  `json:"product_id"`
	NewProductID          string  `json:"new_product_id"`
	TransactionID         string  `json:"transaction_id"`
	OriginalTransactionID string  `json:"original_transaction_id"`
	Environment           string  `json:"environment"`
	PeriodType            string  `json:"period_type"`
	PurchasedAtMs         int64   `json:"purchased_at_ms"`
	ExpirationAtMs        int64   `json:"expiration_at_ms"`
	EventTimestampMs      int64   `json:"event_timestamp_ms"`
	Price                 float64 `json:"price"`
	ExpirationReason      string  `json:"expiration_reason"`
}

// subscriptionID is stable across renewals of the same store subscription
func (e *webhookEvent) subscriptionID() string {
	if e.OriginalTransactionID != "" {
		return e.OriginalTransactionID
	}
	return e.TransactionID
}

// webhookResponse is the acknowledgment body
type webhookResponse struct {
	EventID string          `json:"event_id,omitempty"`
	Status  billing.Outcome `json:"status"`
}

// handleWebhook authenticates, translates and processes a RevenueCat webhook.
// Only authentication failures and transient processing failures are left unacknowledged.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if len(p.secret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, p.maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	if !p.verifyRequest(r, body) {
		p.logger.Warn("revenuecat webhook rejected",
			gocredits.F("remote_addr", r.RemoteAddr),
			gocredits.F("error", &billing.InvalidWebhookSignatureError{Provider: providerName, Err: errUnauthorized}),
		)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	event := &payload.Event
	eventType := strings.ToUpper(strings.TrimSpace(event.Type))

	if eventType == typeTest {
		p.metrics.RecordWebhookEvent(providerName, typeTest, string(billing.OutcomeIgnored))
		p.acknowledge(w, event.ID, billing.OutcomeIgnored)
		return
	}
	if strings.EqualFold(event.Environment, environmentSandbox) && !p.acceptSandbox {
		p.logger.Debug("sandbox webhook ignored", gocredits.F("event_id", event.ID), gocredits.F("event_type", eventType))
		p.metrics.RecordWebhookEvent(providerName, eventType, string(billing.OutcomeIgnored))
		p.acknowledge(w, event.ID, billing.OutcomeIgnored)
		return
	}

	ev, err := p.translate(event)
	if err != nil {
		p.logger.Error("revenuecat webhook payload rejected",
			gocredits.F("event_id", event.ID),
			gocredits.F("event_type", eventType),
			gocredits.F("error", err),
		)
		p.metrics.RecordWebhookEvent(providerName, eventType, string(billing.OutcomeRejected))
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))
		p.acknowledge(w, event.ID, billing.OutcomeRejected)
		return
	}

	res, err := p.processor.Process(r.Context(), providerName, ev)
	switch {
	case errors.Is(err, billing.ErrEventInProgress):
		http.Error(w, "event is being processed", http.StatusConflict)
		return
	case err != nil:
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}
	p.acknowledge(w, event.ID, res.Outcome)
}

var errUnauthorized = errors.New("authorization does not match the webhook secret")

// verifyRequest accepts the shared Authorization value and, when enabled, an HMAC of the body
func (p *Provider) verifyRequest(r *http.Request, body []byte) bool {
	token := stripBearer(r.Header.Get("Authorization"))
	if token != "" && subtle.ConstantTimeCompare([]byte(token), p.secret) == 1 {
		return true
	}
	if !p.acceptHMAC {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(r.Header.Get("X-RevenueCat-Signature")))
	if err != nil || len(sig) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// translate turns a RevenueCat event into a normalized billing event.
// Types the ledger does not act on become *billing.Unhandled.
func (p *Provider) translate(e *webhookEvent) (billing.Event, error) {
	if e.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", billing.ErrInvalidWebhookPayload)
	}
	userID := strings.TrimSpace(e.AppUserID)
	if userID == "" {
		return nil, fmt.Errorf("%w: event %s: missing app_user_id", billing.ErrInvalidWebhookPayload, e.ID)
	}
	created := fromMillis(e.EventTimestampMs)
	if created.IsZero() {
		return nil, fmt.Errorf("%w: event %s: missing event_timestamp_ms", billing.ErrInvalidWebhookPayload, e.ID)
	}

	eventType := strings.ToUpper(strings.TrimSpace(e.Type))
	h := billing.Header{ID: e.ID, Created: created, UserID: userID}

	switch eventType {
	case typeInitialPurchase, typeRenewal:
		priceID, err := p.planPrice(e.ID, e.ProductID)
		if err != nil {
			return nil, err
		}
		if eventType == typeRenewal {
			h.Type = billing.EventSubscriptionRenewed
			return &billing.SubscriptionRenewed{
				Header: h, SubscriptionID: e.subscriptionID(), PriceID: priceID, PeriodStart: fromMillis(e.PurchasedAtMs),
			}, nil
		}
		h.Type = billing.EventSubscriptionCreated
		return &billing.SubscriptionCreated{
			Header: h, SubscriptionID: e.subscriptionID(), PriceID: priceID, PeriodStart: fromMillis(e.PurchasedAtMs),
		}, nil

	case typeProductChange:
		product := e.NewProductID
		if product == "" {
			product = e.ProductID
		}
		priceID, err := p.planPrice(e.ID, product)
		if err != nil {
			return nil, err
		}
		h.Type = billing.EventSubscriptionUpdated
		return &billing.SubscriptionUpdated{Header: h, SubscriptionID: e.subscriptionID(), PriceID: priceID}, nil

	case typeExpiration:
		// an unknown product falls back to the account's current plan
		priceID, _ := p.planPrice(e.ID, e.ProductID)
		h.Type = billing.EventSubscriptionCanceled
		return &billing.SubscriptionCanceled{Header: h, SubscriptionID: e.subscriptionID(), PriceID: priceID}, nil

	case typeNonRenewingPurchase:
		key := p.productKey(e.ProductID)
		if _, err := p.catalog.ResolvePack(key); err != nil {
			return nil, fmt.Errorf("%w: event %s: product %q: %v", billing.ErrInvalidWebhookPayload, e.ID, e.ProductID, err)
		}
		h.Type = billing.EventCreditPackPurchased
		return &billing.CreditPackPurchased{Header: h, PackKey: key, AmountTotal: cents(e.Price)}, nil

	case typeBillingIssue:
		h.Type = billing.EventPaymentFailed
		return &billing.PaymentFailed{Header: h, SubscriptionID: e.subscriptionID(), AmountTotal: cents(e.Price)}, nil

	default:
		h.Type = billing.EventType(strings.ToLower(eventType))
		return &billing.Unhandled{Header: h}, nil
	}
}

// planPrice resolves a store product to the price id of its catalog plan
func (p *Provider) planPrice(eventID, productID string) (string, error) {
	plan, err := p.catalog.ResolveByKey(p.productKey(productID))
	if err != nil {
		return "", fmt.Errorf("%w: event %s: product %q: %v", billing.ErrInvalidWebhookPayload, eventID, productID, err)
	}
	if plan.ExternalPriceID == "" {
		return "", fmt.Errorf("%w: event %s: plan %q has no price id", billing.ErrInvalidWebhookPayload, eventID, plan.Key)
	}
	return plan.ExternalPriceID, nil
}

func (p *Provider) acknowledge(w http.ResponseWriter, eventID string, outcome billing.Outcome) {
	if err := internal.WriteJSON(w, http.StatusOK, webhookResponse{EventID: eventID, Status: outcome}); err != nil {
		p.logger.Warn("failed to write webhook response", gocredits.F("event_id", eventID), gocredits.F("error", err))
	}
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// cents converts a store price in major units to minor units
func cents(price float64) int64 {
	return int64(math.Round(price * 100))
}
