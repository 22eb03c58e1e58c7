package stripe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocredits/pkg/billing"
)

// CheckoutURL creates a subscription Checkout Session for planKey and returns its URL.
// The user id is stored in the subscription metadata so webhooks can find the account.
func (p *Provider) CheckoutURL(ctx context.Context, userID, planKey, successURL, cancelURL string) (string, error) {
	if p.client == nil || p.catalog == nil {
		return "", billing.ErrProviderNotConfigured
	}
	plan, err := p.catalog.ResolveByKey(planKey)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "plan_not_found")
		return "", err
	}
	if !plan.Enabled {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "plan_disabled")
		return "", fmt.Errorf("plan %s is disabled", planKey)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(plan.ExternalPriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserID, userID)

	if err := p.attachCustomer(ctx, params, userID); err != nil {
		return "", err
	}
	return p.createCheckoutSession(ctx, params)
}

// CheckoutURLForPack creates a one-time payment Checkout Session for a credit pack
func (p *Provider) CheckoutURLForPack(ctx context.Context, userID, packKey, successURL, cancelURL string) (string, error) {
	if p.client == nil || p.catalog == nil {
		return "", billing.ErrProviderNotConfigured
	}
	pack, err := p.catalog.ResolvePack(packKey)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "pack_not_found")
		return "", err
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(pack.ExternalPriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		Metadata: map[string]string{
			metadataUserID:  userID,
			metadataPackKey: pack.Key,
			metadataPriceID: pack.ExternalPriceID,
			metadataCredits: strconv.Itoa(pack.Credits),
		},
	}

	if err := p.attachCustomer(ctx, params, userID); err != nil {
		return "", err
	}
	return p.createCheckoutSession(ctx, params)
}

// PortalURL creates a Customer Portal Session where the user manages their subscription
func (p *Provider) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	if p.client == nil {
		return "", billing.ErrProviderNotConfigured
	}
	start := time.Now()

	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "customer_not_found")
		return "", err
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	session, err := p.client.V1BillingPortalSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(start))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "error")
		return "", fmt.Errorf("%w: create portal session: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "success")
	return session.URL, nil
}

// attachCustomer reuses the user's Stripe customer when one exists.
// Lookup failures other than "not found" abort checkout so no duplicate customer is created.
func (p *Provider) attachCustomer(ctx context.Context, params *stripe.CheckoutSessionCreateParams, userID string) error {
	customerID, err := p.resolveCustomerID(ctx, userID)
	switch {
	case err == nil:
		params.Customer = stripe.String(customerID)
	case errors.Is(err, billing.ErrCustomerNotFound):
		params.ClientReferenceID = stripe.String(userID)
		if params.Mode != nil && *params.Mode == string(stripe.CheckoutSessionModePayment) {
			params.CustomerCreation = stripe.String("always")
		}
	default:
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "customer_resolution_failed")
		return fmt.Errorf("failed to resolve customer: %w", err)
	}
	return nil
}

func (p *Provider) createCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (string, error) {
	start := time.Now()
	session, err := p.client.V1CheckoutSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(start))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		return "", fmt.Errorf("%w: create checkout session: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	return session.URL, nil
}

// resolveCustomerID finds the Stripe customer of a user, through CustomerIDResolver when
// configured and the Search API otherwise.
func (p *Provider) resolveCustomerID(ctx context.Context, userID string) (string, error) {
	if p.customerIDResolver != nil {
		customerID, err := p.customerIDResolver(ctx, userID)
		if err == nil && customerID != "" {
			return customerID, nil
		}
	}
	return p.searchCustomerByMetadata(ctx, userID)
}

func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	start := time.Now()
	defer func() {
		p.metrics.RecordAPICallDuration(providerName, "/customers/search", time.Since(start))
	}()

	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserID, userID)

	for cust, err := range p.client.V1Customers.Search(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/customers/search", "error")
			return "", fmt.Errorf("%w: search customers: %v", billing.ErrProviderAPIError, err)
		}
		// search can return partial matches
		if cust.Metadata[metadataUserID] == userID {
			p.metrics.RecordAPICall(providerName, "/customers/search", "success")
			return cust.ID, nil
		}
	}
	p.metrics.RecordAPICall(providerName, "/customers/search", "not_found")
	return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, userID)
}
