package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// ProviderConfig describes one backend in the fallback chain
type ProviderConfig struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
	Enabled  bool   `yaml:"enabled"`

	// Limits are the free-tier ceilings tracked in the QuotaCounter
	Limits QuotaLimits `yaml:"limits"`

	// HardLimit makes the provider unavailable once a limit is reached.
	// Without it usage is still counted but the provider keeps serving.
	HardLimit bool `yaml:"hard_limit"`

	// FallbackProvider is tried right after this provider fails
	FallbackProvider string `yaml:"fallback_provider"`

	// FlatCost is charged per request when the backend does not report a cost.
	// Zero keeps the reserved estimate.
	FlatCost int `yaml:"flat_cost"`

	// Timeout overrides the router's dispatch timeout
	Timeout time.Duration `yaml:"timeout"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// QuotaAdapter wraps a Backend with quota accounting, an enabled flag and a circuit breaker
type QuotaAdapter struct {
	config  ProviderConfig
	backend Backend
	counter QuotaCounter
	breaker *CircuitBreaker
	logger  gocredits.Logger
	now     func() time.Time
}

// QuotaAdapterOption configures a QuotaAdapter
type QuotaAdapterOption func(*QuotaAdapter)

// WithLogger sets the adapter's logger
func WithLogger(logger gocredits.Logger) QuotaAdapterOption {
	return func(a *QuotaAdapter) {
		a.logger = logger
	}
}

// WithClock sets the time source used for counter periods
func WithClock(now func() time.Time) QuotaAdapterOption {
	return func(a *QuotaAdapter) {
		a.now = now
	}
}

// WithMetrics reports breaker transitions to metrics
func WithMetrics(metrics Metrics) QuotaAdapterOption {
	return func(a *QuotaAdapter) {
		name := a.config.Name
		a.breaker.onStateChange = func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(name, state)
		}
	}
}

// NewQuotaAdapter creates an adapter for config backed by counter
func NewQuotaAdapter(config ProviderConfig, backend Backend, counter QuotaCounter, opts ...QuotaAdapterOption) (*QuotaAdapter, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if backend == nil || counter == nil {
		return nil, fmt.Errorf("provider %s: backend and quota counter are required", config.Name)
	}
	a := &QuotaAdapter{
		config:  config,
		backend: backend,
		counter: counter,
		logger:  &gocredits.NoopLogger{},
		now:     time.Now,
	}
	a.breaker = NewCircuitBreaker(config.CircuitBreaker, nil)
	for _, opt := range opts {
		opt(a)
	}
	a.breaker.now = a.now
	return a, nil
}

// Name implements ProviderAdapter
func (a *QuotaAdapter) Name() string { return a.config.Name }

// Priority implements Ranked
func (a *QuotaAdapter) Priority() int { return a.config.Priority }

// FallbackProvider implements Ranked
func (a *QuotaAdapter) FallbackProvider() string { return a.config.FallbackProvider }

// Timeout implements TimeoutProvider
func (a *QuotaAdapter) Timeout() time.Duration { return a.config.Timeout }

// Breaker returns the adapter's circuit breaker
func (a *QuotaAdapter) Breaker() *CircuitBreaker { return a.breaker }

func (a *QuotaAdapter) hardLimits() QuotaLimits {
	if !a.config.HardLimit {
		return QuotaLimits{}
	}
	return a.config.Limits
}

// IsAvailable implements ProviderAdapter: enabled, breaker not open, hard quota not reached.
// A counter read failure does not make the provider unavailable.
func (a *QuotaAdapter) IsAvailable(ctx context.Context) bool {
	if !a.config.Enabled || a.breaker.State() == StateOpen {
		return false
	}
	if !a.config.HardLimit {
		return true
	}
	usage, err := a.counter.Usage(ctx, a.config.Name, a.now())
	if err != nil {
		a.logger.Warn("provider usage read failed",
			gocredits.F("provider", a.config.Name),
			gocredits.F("error", err),
		)
		return true
	}
	return !a.config.Limits.Exhausted(usage)
}

// GetUsage implements ProviderAdapter
func (a *QuotaAdapter) GetUsage(ctx context.Context) (Usage, error) {
	return a.counter.Usage(ctx, a.config.Name, a.now())
}

// ProcessImage implements ProviderAdapter. The request slot is taken atomically before
// the backend call and given back if the call fails; credits are counted after success.
func (a *QuotaAdapter) ProcessImage(ctx context.Context, userID string, input Input, opts Options) (*Result, error) {
	name := a.config.Name
	if !a.config.Enabled {
		return nil, &ProviderUnavailableError{Provider: name, Reason: ErrProviderDisabled}
	}
	if !a.breaker.Allow() {
		return nil, &ProviderUnavailableError{Provider: name, Reason: ErrCircuitOpen}
	}

	reserved, err := a.counter.Reserve(ctx, name, a.hardLimits(), a.now())
	if err != nil {
		a.logger.Warn("provider quota reservation failed, dispatching uncounted",
			gocredits.F("provider", name),
			gocredits.F("error", err),
		)
	} else if !reserved {
		a.breaker.release()
		return nil, &ProviderUnavailableError{Provider: name, Reason: ErrQuotaExhausted}
	}

	result, err := a.backend.Process(ctx, userID, input, opts)
	if err != nil {
		a.breaker.Failure()
		if reserved {
			//nolint:errcheck // Best-effort release, the counter expires on its own
			_ = a.counter.Release(context.WithoutCancel(ctx), name, a.now())
		}
		return nil, err
	}
	a.breaker.Success()

	if result == nil {
		result = &Result{}
	}
	result.Provider = name
	if result.CreditsUsed <= 0 {
		result.CreditsUsed = a.config.FlatCost
	}
	if result.CreditsUsed <= 0 {
		result.CreditsUsed = opts.EstimatedCost
	}
	if err := a.counter.AddCredits(context.WithoutCancel(ctx), name, result.CreditsUsed, a.now()); err != nil {
		a.logger.Warn("provider credit accounting failed",
			gocredits.F("provider", name),
			gocredits.F("credits", result.CreditsUsed),
			gocredits.F("error", err),
		)
	}
	return result, nil
}
