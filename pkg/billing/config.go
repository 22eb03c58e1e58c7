package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// Ledger is the part of the credit ledger webhook events mutate
type Ledger interface {
	GetAccount(ctx context.Context, userID string) (*gocredits.Account, error)
	Credit(ctx context.Context, userID string, amount int, txType gocredits.TransactionType, referenceID string) (*gocredits.MutationResult, error)
	ApplySubscription(ctx context.Context, req *gocredits.SubscriptionRequest) (*gocredits.MutationResult, error)
}

// ProcessorConfig configures a Processor
type ProcessorConfig struct {
	// Ledger receives the mutations (required)
	Ledger Ledger

	// Catalog resolves price ids to plans and credit packs (required)
	Catalog *gocredits.PlanCatalog

	// Events claims event ids across instances. Without it, deduplication relies on the
	// in-process cache and the ledger's reference ids.
	Events gocredits.EventStore

	// ClaimLease is how long a claim blocks other workers before it can be taken over (default: 5m)
	ClaimLease time.Duration

	// RetryInitialInterval is the first backoff delay for transient failures (default: 200ms)
	RetryInitialInterval time.Duration

	// RetryMaxElapsed bounds the time spent retrying one event (default: 15s)
	RetryMaxElapsed time.Duration

	// RecentEvents is the size of the in-process cache of applied event ids (default: 10000)
	RecentEvents int

	// RecentEventsTTL is how long an applied event id stays cached (default: 24h)
	RecentEventsTTL time.Duration

	// OnApplied is called after an event changed the ledger (optional)
	OnApplied func(ctx context.Context, event AppliedEvent)

	// Metrics is optional; nil disables metrics
	Metrics Metrics

	// Logger is optional; nil disables logging
	Logger gocredits.Logger
}

// DefaultProcessorConfig returns the default tuning without ledger or catalog
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		ClaimLease:           5 * time.Minute,
		RetryInitialInterval: 200 * time.Millisecond,
		RetryMaxElapsed:      15 * time.Second,
		RecentEvents:         10000,
		RecentEventsTTL:      24 * time.Hour,
	}
}

// Validate fills defaults and checks required fields
func (c *ProcessorConfig) Validate() error {
	if c.Ledger == nil {
		return fmt.Errorf("%w: ledger is required", ErrProviderNotConfigured)
	}
	if c.Catalog == nil {
		return fmt.Errorf("%w: plan catalog is required", ErrProviderNotConfigured)
	}
	defaults := DefaultProcessorConfig()
	if c.ClaimLease <= 0 {
		c.ClaimLease = defaults.ClaimLease
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = defaults.RetryInitialInterval
	}
	if c.RetryMaxElapsed <= 0 {
		c.RetryMaxElapsed = defaults.RetryMaxElapsed
	}
	if c.RecentEvents <= 0 {
		c.RecentEvents = defaults.RecentEvents
	}
	if c.RecentEventsTTL <= 0 {
		c.RecentEventsTTL = defaults.RecentEventsTTL
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &gocredits.NoopLogger{}
	}
	return nil
}
