package billing

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// Outcome is how a webhook event ended. Every outcome is acknowledged to the provider.
type Outcome string

const (
	// OutcomeApplied means the event changed the ledger
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the event was applied before
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeStale means a newer subscription event was already applied
	OutcomeStale Outcome = "stale"
	// OutcomeIgnored means the event carries nothing for the ledger
	OutcomeIgnored Outcome = "ignored"
	// OutcomeRejected means the event can never be applied (unknown price, bad data)
	OutcomeRejected Outcome = "rejected"
)

// Result is the acknowledged result of processing an event
type Result struct {
	Outcome Outcome

	// Balance is the user's balance after an applied event
	Balance *gocredits.Balance

	// Reason explains duplicate, stale and rejected outcomes
	Reason error
}

// Processor applies billing events to the ledger exactly once per event id.
// Events are claimed, applied with retries on transient failures, then marked complete.
// A claim is released when application keeps failing so the provider's redelivery can
// try again.
type Processor struct {
	config  ProcessorConfig
	ledger  Ledger
	catalog *gocredits.PlanCatalog
	events  gocredits.EventStore
	recent  *lru.LRU[string, struct{}]
	metrics Metrics
	logger  gocredits.Logger
}

// NewProcessor creates a Processor
func NewProcessor(config ProcessorConfig) (*Processor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Processor{
		config:  config,
		ledger:  config.Ledger,
		catalog: config.Catalog,
		events:  config.Events,
		recent:  lru.NewLRU[string, struct{}](config.RecentEvents, nil, config.RecentEventsTTL),
		metrics: config.Metrics,
		logger:  config.Logger,
	}, nil
}

// Process deduplicates and applies ev. A nil error means the event may be acknowledged;
// an error means it should be redelivered.
func (p *Processor) Process(ctx context.Context, provider string, ev Event) (*Result, error) {
	start := time.Now()
	eventType := string(ev.EventType())

	res, err := p.process(ctx, provider, ev)

	status := "error"
	if err == nil {
		status = string(res.Outcome)
	}
	p.metrics.RecordWebhookEvent(provider, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(provider, eventType, time.Since(start))
	return res, err
}

func (p *Processor) process(ctx context.Context, provider string, ev Event) (*Result, error) {
	id := ev.EventID()
	if id == "" {
		return nil, invalidPayload("missing event id")
	}
	if p.recent.Contains(id) {
		return p.duplicate(ev), nil
	}

	claimed := false
	if p.events != nil {
		status, err := p.events.ClaimEvent(ctx, id, p.config.ClaimLease)
		switch {
		case err != nil:
			p.logger.Warn("webhook event claim failed, relying on ledger idempotency",
				gocredits.F("event_id", id),
				gocredits.F("error", err),
			)
		case status == gocredits.ClaimApplied:
			p.recent.Add(id, struct{}{})
			return p.duplicate(ev), nil
		case status == gocredits.ClaimInProgress:
			p.metrics.RecordWebhookError(provider, "in_progress")
			return nil, ErrEventInProgress
		default:
			claimed = true
		}
	}

	res, err := p.applyWithRetry(ctx, provider, ev)
	if err != nil {
		if claimed {
			if relErr := p.events.ReleaseEvent(context.WithoutCancel(ctx), id); relErr != nil {
				p.logger.Warn("webhook event release failed",
					gocredits.F("event_id", id),
					gocredits.F("error", relErr),
				)
			}
		}
		p.metrics.RecordWebhookError(provider, "apply_failed")
		p.logger.Error("webhook event not applied",
			gocredits.F("provider", provider),
			gocredits.F("event_id", id),
			gocredits.F("event_type", string(ev.EventType())),
			gocredits.F("user_id", ev.User()),
			gocredits.F("error", err),
		)
		return nil, err
	}

	if claimed {
		if err := p.events.CompleteEvent(context.WithoutCancel(ctx), id); err != nil {
			p.logger.Warn("webhook event completion failed",
				gocredits.F("event_id", id),
				gocredits.F("error", err),
			)
		}
	}
	p.recent.Add(id, struct{}{})
	return res, nil
}

func (p *Processor) duplicate(ev Event) *Result {
	p.logger.Debug("duplicate webhook event",
		gocredits.F("event_id", ev.EventID()),
		gocredits.F("event_type", string(ev.EventType())),
	)
	return &Result{Outcome: OutcomeDuplicate, Reason: &DuplicateWebhookEventError{EventID: ev.EventID()}}
}

func (p *Processor) applyWithRetry(ctx context.Context, provider string, ev Event) (*Result, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.config.RetryInitialInterval
	policy.MaxElapsedTime = p.config.RetryMaxElapsed

	eventType := string(ev.EventType())
	return backoff.RetryNotifyWithData(func() (*Result, error) {
		res, err := p.apply(ctx, provider, ev)
		if err == nil {
			return res, nil
		}
		if settled := p.settle(ev, err); settled != nil {
			return settled, nil
		}
		return nil, err
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		p.metrics.RecordWebhookRetry(provider, eventType)
		p.logger.Warn("retrying webhook event",
			gocredits.F("event_id", ev.EventID()),
			gocredits.F("retry_in", next.String()),
			gocredits.F("error", err),
		)
	})
}

// settle turns errors that no retry can fix into an acknowledged result
func (p *Processor) settle(ev Event, err error) *Result {
	var stale *gocredits.StaleEventError
	if errors.As(err, &stale) {
		return &Result{Outcome: OutcomeStale, Reason: &StaleWebhookEventError{EventID: ev.EventID(), Err: stale}}
	}
	if errors.Is(err, gocredits.ErrPlanNotFound) ||
		errors.Is(err, gocredits.ErrPackNotFound) ||
		errors.Is(err, gocredits.ErrInvalidAmount) ||
		errors.Is(err, gocredits.ErrMissingUserID) ||
		errors.Is(err, gocredits.ErrMissingReference) ||
		errors.Is(err, ErrInvalidWebhookPayload) {
		p.logger.Error("webhook event rejected",
			gocredits.F("event_id", ev.EventID()),
			gocredits.F("event_type", string(ev.EventType())),
			gocredits.F("user_id", ev.User()),
			gocredits.F("error", err),
		)
		return &Result{Outcome: OutcomeRejected, Reason: err}
	}
	return nil
}

func (p *Processor) apply(ctx context.Context, provider string, ev Event) (*Result, error) {
	switch e := ev.(type) {
	case *SubscriptionCreated:
		plan, err := p.catalog.ResolveByPriceID(e.PriceID)
		if err != nil {
			return nil, err
		}
		anchor := e.PeriodStart
		if anchor.IsZero() {
			anchor = e.Created
		}
		return p.subscription(ctx, provider, e.Header, &gocredits.SubscriptionRequest{
			Action:         gocredits.SubscriptionActivate,
			Plan:           plan,
			SubscriptionID: e.SubscriptionID,
			CycleAnchor:    anchor,
		})

	case *SubscriptionRenewed:
		plan, err := p.catalog.ResolveByPriceID(e.PriceID)
		if err != nil {
			return nil, err
		}
		return p.subscription(ctx, provider, e.Header, &gocredits.SubscriptionRequest{
			Action:         gocredits.SubscriptionActivate,
			Plan:           plan,
			SubscriptionID: e.SubscriptionID,
		})

	case *SubscriptionUpdated:
		plan, err := p.catalog.ResolveByPriceID(e.PriceID)
		if err != nil {
			return nil, err
		}
		return p.subscription(ctx, provider, e.Header, &gocredits.SubscriptionRequest{
			Action:         gocredits.SubscriptionChange,
			Plan:           plan,
			SubscriptionID: e.SubscriptionID,
		})

	case *SubscriptionCanceled:
		plan, err := p.canceledPlan(ctx, e)
		if err != nil {
			return nil, err
		}
		return p.subscription(ctx, provider, e.Header, &gocredits.SubscriptionRequest{
			Action:         gocredits.SubscriptionCancel,
			Plan:           plan,
			SubscriptionID: e.SubscriptionID,
		})

	case *CreditPackPurchased:
		credits, err := p.packCredits(e)
		if err != nil {
			return nil, err
		}
		res, err := p.ledger.Credit(ctx, e.UserID, credits, gocredits.TransactionPurchase, e.ID)
		if err != nil {
			return nil, err
		}
		return p.applied(ctx, provider, e.Header, "", res), nil

	case *PaymentFailed:
		p.logger.Warn("subscription payment failed",
			gocredits.F("event_id", e.ID),
			gocredits.F("user_id", e.UserID),
			gocredits.F("subscription_id", e.SubscriptionID),
			gocredits.F("amount_total", e.AmountTotal),
		)
		return &Result{Outcome: OutcomeIgnored}, nil

	default:
		p.logger.Debug("webhook event ignored",
			gocredits.F("event_id", ev.EventID()),
			gocredits.F("event_type", string(ev.EventType())),
		)
		return &Result{Outcome: OutcomeIgnored}, nil
	}
}

func (p *Processor) subscription(ctx context.Context, provider string, h Header, req *gocredits.SubscriptionRequest) (*Result, error) {
	req.UserID = h.UserID
	req.ReferenceID = h.ID
	req.CustomerID = h.CustomerID
	req.EventTime = h.Created

	res, err := p.ledger.ApplySubscription(ctx, req)
	if err != nil {
		return nil, err
	}
	planKey := ""
	if req.Plan != nil && req.Action != gocredits.SubscriptionCancel {
		planKey = req.Plan.Key
	}
	return p.applied(ctx, provider, h, planKey, res), nil
}

func (p *Processor) applied(ctx context.Context, provider string, h Header, planKey string, res *gocredits.MutationResult) *Result {
	if res.Duplicate {
		return &Result{Outcome: OutcomeDuplicate, Balance: &res.Balance, Reason: &DuplicateWebhookEventError{EventID: h.ID}}
	}
	for _, tx := range res.Transactions {
		if tx.Amount != 0 {
			p.metrics.RecordCreditsApplied(provider, string(tx.Type), abs(tx.Amount))
		}
	}
	p.logger.Info("webhook event applied",
		gocredits.F("provider", provider),
		gocredits.F("event_id", h.ID),
		gocredits.F("event_type", string(h.Type)),
		gocredits.F("user_id", h.UserID),
		gocredits.F("plan", planKey),
		gocredits.F("balance", res.Balance.Total),
	)
	if p.config.OnApplied != nil {
		p.config.OnApplied(ctx, AppliedEvent{
			EventID:        h.ID,
			Provider:       provider,
			Type:           h.Type,
			UserID:         h.UserID,
			EventTimestamp: h.Created,
			PlanKey:        planKey,
			Balance:        res.Balance,
			Transactions:   res.Transactions,
		})
	}
	return &Result{Outcome: OutcomeApplied, Balance: &res.Balance}
}

// canceledPlan resolves the plan whose expiration mode governs a cancellation: the
// event's price when present, else the account's current plan. nil forfeits everything.
func (p *Processor) canceledPlan(ctx context.Context, e *SubscriptionCanceled) (*gocredits.Plan, error) {
	if e.PriceID != "" {
		if plan, err := p.catalog.ResolveByPriceID(e.PriceID); err == nil {
			return plan, nil
		}
	}
	acct, err := p.ledger.GetAccount(ctx, e.UserID)
	if err != nil {
		return nil, err
	}
	if acct.PlanKey == "" {
		return nil, nil
	}
	plan, err := p.catalog.ResolveByKey(acct.PlanKey)
	if err != nil {
		p.logger.Warn("canceled plan is no longer in the catalog",
			gocredits.F("user_id", e.UserID),
			gocredits.F("plan", acct.PlanKey),
		)
		return nil, nil
	}
	return plan, nil
}

// packCredits resolves the credits bought by e. The catalog wins over metadata credits,
// which only apply to packs the catalog no longer lists.
func (p *Processor) packCredits(e *CreditPackPurchased) (int, error) {
	var pack *gocredits.CreditPack
	var err error
	switch {
	case e.PackKey != "":
		pack, err = p.catalog.ResolvePack(e.PackKey)
	case e.PriceID != "":
		pack, err = p.catalog.ResolvePackByPriceID(e.PriceID)
	default:
		err = gocredits.ErrPackNotFound
	}
	if err == nil {
		if e.Credits > 0 && e.Credits != pack.Credits {
			p.logger.Warn("credit pack metadata disagrees with catalog",
				gocredits.F("event_id", e.ID),
				gocredits.F("pack", pack.Key),
				gocredits.F("metadata_credits", e.Credits),
				gocredits.F("catalog_credits", pack.Credits),
			)
		}
		return pack.Credits, nil
	}
	if e.Credits > 0 {
		p.logger.Warn("credit pack not in catalog, using metadata credits",
			gocredits.F("event_id", e.ID),
			gocredits.F("pack", e.PackKey),
			gocredits.F("credits", e.Credits),
		)
		return e.Credits, nil
	}
	return 0, err
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
