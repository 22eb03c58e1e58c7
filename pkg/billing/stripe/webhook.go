package stripe

import (
	"errors"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gocredits/pkg/billing"
	"github.com/mihaimyh/gocredits/pkg/billing/internal"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// webhookResponse is the acknowledgment body
type webhookResponse struct {
	EventID string          `json:"event_id,omitempty"`
	Status  billing.Outcome `json:"status"`
}

// handleWebhook verifies, translates and processes a Stripe webhook.
// Only signature failures and transient processing failures are left unacknowledged.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if p.webhookSecret == "" {
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

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		sigErr := &billing.InvalidWebhookSignatureError{Provider: providerName, Err: err}
		p.logger.Warn("stripe webhook rejected",
			gocredits.F("remote_addr", r.RemoteAddr),
			gocredits.F("error", sigErr),
		)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	ev, err := p.translate(ctx, &event)
	if err != nil {
		if !errors.Is(err, billing.ErrInvalidWebhookPayload) {
			p.logger.Error("stripe webhook translation failed",
				gocredits.F("event_id", event.ID),
				gocredits.F("event_type", string(event.Type)),
				gocredits.F("error", err),
			)
			p.metrics.RecordWebhookError(providerName, "translation_failed")
			http.Error(w, "failed to process webhook", http.StatusInternalServerError)
			return
		}
		p.logger.Error("stripe webhook payload rejected",
			gocredits.F("event_id", event.ID),
			gocredits.F("event_type", string(event.Type)),
			gocredits.F("error", err),
		)
		p.metrics.RecordWebhookEvent(providerName, string(event.Type), string(billing.OutcomeRejected))
		p.metrics.RecordWebhookProcessingDuration(providerName, string(event.Type), time.Since(start))
		p.acknowledge(w, event.ID, billing.OutcomeRejected)
		return
	}

	res, err := p.processor.Process(ctx, providerName, ev)
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

func (p *Provider) acknowledge(w http.ResponseWriter, eventID string, outcome billing.Outcome) {
	if err := internal.WriteJSON(w, http.StatusOK, webhookResponse{EventID: eventID, Status: outcome}); err != nil {
		p.logger.Warn("failed to write webhook response", gocredits.F("event_id", eventID), gocredits.F("error", err))
	}
}
