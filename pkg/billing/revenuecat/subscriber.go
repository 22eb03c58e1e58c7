package revenuecat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mihaimyh/gocredits/pkg/billing"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// Subscription is a user's store subscription as RevenueCat reports it
type Subscription struct {
	UserID string `json:"user_id"`
	Active bool   `json:"active"`

	// PlanKey and ProductID are empty when no active entitlement maps to a catalog plan
	PlanKey   string `json:"plan_key,omitempty"`
	ProductID string `json:"product_id,omitempty"`

	// ExpiresAt is nil for lifetime entitlements
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type subscriberResponse struct {
	Subscriber struct {
		Entitlements map[string]subscriberEntitlement `json:"entitlements"`
	} `json:"subscriber"`
}

type subscriberEntitlement struct {
	ExpiresDate       *time.Time `json:"expires_date"`
	ProductIdentifier string     `json:"product_identifier"`
}

// ActiveSubscription looks the user up through the RevenueCat REST API and returns the
// active entitlement that maps to a catalog plan, preferring the one that lasts longest.
// It reads only; plan changes reach the ledger through webhooks.
func (p *Provider) ActiveSubscription(ctx context.Context, userID string) (*Subscription, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("%w: revenuecat API key is not set", billing.ErrProviderNotConfigured)
	}

	sub, err := p.fetchSubscriber(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := p.now()
	out := &Subscription{UserID: userID}
	for _, ent := range sub.Subscriber.Entitlements {
		if ent.ExpiresDate != nil && !ent.ExpiresDate.After(now) {
			continue
		}
		plan, err := p.catalog.ResolveByKey(p.productKey(ent.ProductIdentifier))
		if err != nil {
			continue
		}
		if out.Active && !outlasts(ent.ExpiresDate, out.ExpiresAt) {
			continue
		}
		out.Active = true
		out.PlanKey = plan.Key
		out.ProductID = ent.ProductIdentifier
		out.ExpiresAt = ent.ExpiresDate
	}
	return out, nil
}

// outlasts reports whether expiry a ends after b; nil never expires
func outlasts(a, b *time.Time) bool {
	switch {
	case a == nil:
		return b != nil
	case b == nil:
		return false
	default:
		return a.After(*b)
	}
}

func (p *Provider) fetchSubscriber(ctx context.Context, userID string) (*subscriberResponse, error) {
	const endpoint = "/subscribers"
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.apiBaseURL+endpoint+"/"+url.PathEscape(userID), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build subscriber request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")

	res, err := p.httpClient.Do(req)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		p.metrics.RecordAPICall(providerName, endpoint, "not_found")
		return nil, fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, userID)
	case res.StatusCode < 200 || res.StatusCode > 299:
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		p.logger.Warn("revenuecat API call failed",
			gocredits.F("user_id", userID),
			gocredits.F("status", res.StatusCode),
		)
		return nil, fmt.Errorf("%w: status %d", billing.ErrProviderAPIError, res.StatusCode)
	}

	var out subscriberResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		return nil, fmt.Errorf("%w: decode subscriber: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")
	return &out, nil
}
