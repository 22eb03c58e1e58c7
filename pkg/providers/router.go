package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// Ledger is the part of the credit ledger the router needs
type Ledger interface {
	ReserveAndDebit(ctx context.Context, userID string, amount int, referenceID string, txType gocredits.TransactionType) (*gocredits.MutationResult, error)
	Refund(ctx context.Context, userID string, amount int, referenceID string) (*gocredits.MutationResult, error)
}

// RouterConfig configures a Router
type RouterConfig struct {
	// DispatchTimeout bounds a single provider call (default: 60s)
	DispatchTimeout time.Duration

	// RefundMaxElapsed bounds the retries of a refund (default: 30s)
	RefundMaxElapsed time.Duration

	Metrics Metrics
	Logger  gocredits.Logger
}

// Router dispatches requests across providers in priority order
type Router struct {
	ledger    Ledger
	providers []ProviderAdapter
	byName    map[string]ProviderAdapter
	config    RouterConfig
}

// Request is a processing request whose cost has already been reserved
type Request struct {
	UserID string
	Input  Input
	Opts   Options

	// ReservedCost is the amount debited under Opts.JobID before routing
	ReservedCost int
}

// Outcome is a completed request
type Outcome struct {
	Result   *Result
	Attempts []Attempt

	ReservedCost int
	ActualCost   int

	// ChargedCost is what the ledger holds for the request after reconciliation.
	// It differs from ActualCost when the refund or extra debit could not be applied.
	ChargedCost int

	// Balance is the user's balance after cost reconciliation, when it changed
	Balance *gocredits.Balance
}

// NewRouter builds a router. Providers implementing Ranked are ordered by priority;
// the rest keep their position after them.
func NewRouter(ledger Ledger, providers []ProviderAdapter, config RouterConfig) (*Router, error) {
	if ledger == nil {
		return nil, gocredits.ErrStorageUnavailable
	}
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = 60 * time.Second
	}
	if config.RefundMaxElapsed <= 0 {
		config.RefundMaxElapsed = 30 * time.Second
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &gocredits.NoopLogger{}
	}

	type ranked struct {
		p        ProviderAdapter
		priority int
	}
	entries := make([]ranked, len(providers))
	for i, p := range providers {
		entries[i] = ranked{p: p, priority: priorityOf(p, i)}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].priority < entries[j].priority
	})
	ordered := make([]ProviderAdapter, len(entries))
	for i, e := range entries {
		ordered[i] = e.p
	}

	byName := make(map[string]ProviderAdapter, len(ordered))
	for _, p := range ordered {
		if _, dup := byName[p.Name()]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProvider, p.Name())
		}
		byName[p.Name()] = p
	}
	for _, p := range ordered {
		if fb := fallbackOf(p); fb != "" {
			if _, ok := byName[fb]; !ok {
				return nil, fmt.Errorf("provider %s: unknown fallback provider %s", p.Name(), fb)
			}
		}
	}

	return &Router{
		ledger:    ledger,
		providers: ordered,
		byName:    byName,
		config:    config,
	}, nil
}

func priorityOf(p ProviderAdapter, fallback int) int {
	if r, ok := p.(Ranked); ok {
		return r.Priority()
	}
	return fallback
}

func fallbackOf(p ProviderAdapter) string {
	if r, ok := p.(Ranked); ok {
		return r.FallbackProvider()
	}
	return ""
}

// Providers returns the providers in the order they are tried
func (r *Router) Providers() []ProviderAdapter {
	out := make([]ProviderAdapter, len(r.providers))
	copy(out, r.providers)
	return out
}

// Route dispatches req to the first provider that is available and succeeds.
// A failed provider hands over to its FallbackProvider first, then to the next by priority.
// When every provider is skipped or fails, the reservation is refunded and
// *AllProvidersExhaustedError is returned. A cancelled ctx stops the chain and refunds.
func (r *Router) Route(ctx context.Context, req *Request) (*Outcome, error) {
	if req.Opts.JobID == "" {
		return nil, gocredits.ErrMissingReference
	}
	logger := r.config.Logger
	attempted := make(map[string]bool, len(r.providers))
	var attempts []Attempt
	var nextFallback string
	var previous string

	for {
		if ctx.Err() != nil {
			break
		}
		p := r.next(attempted, nextFallback)
		if p == nil {
			break
		}
		name := p.Name()
		attempted[name] = true
		nextFallback = ""
		if previous != "" {
			r.config.Metrics.RecordFallback(previous, name)
		}
		previous = name

		if !p.IsAvailable(ctx) {
			r.config.Metrics.RecordDispatch(name, "skipped", 0)
			attempts = append(attempts, Attempt{Provider: name, Skipped: true, Err: ErrProviderUnavailable})
			logger.Debug("provider skipped", gocredits.F("provider", name), gocredits.F("job_id", req.Opts.JobID))
			continue
		}

		start := time.Now()
		result, err := r.dispatch(ctx, p, req)
		if err != nil {
			skipped := errors.Is(err, ErrProviderUnavailable)
			outcome := "failure"
			if skipped {
				outcome = "skipped"
			}
			r.config.Metrics.RecordDispatch(name, outcome, time.Since(start))
			attempts = append(attempts, Attempt{Provider: name, Skipped: skipped, Err: err})
			logger.Warn("provider dispatch failed",
				gocredits.F("provider", name),
				gocredits.F("job_id", req.Opts.JobID),
				gocredits.F("user_id", req.UserID),
				gocredits.F("error", err),
			)
			nextFallback = fallbackOf(p)
			continue
		}

		r.config.Metrics.RecordDispatch(name, "success", time.Since(start))
		attempts = append(attempts, Attempt{Provider: name})
		return r.complete(ctx, req, result, attempts), nil
	}

	return nil, r.exhausted(ctx, req, attempts)
}

// next picks the pending fallback if it has not run yet, else the first unattempted provider
func (r *Router) next(attempted map[string]bool, fallback string) ProviderAdapter {
	if fallback != "" && !attempted[fallback] {
		return r.byName[fallback]
	}
	for _, p := range r.providers {
		if !attempted[p.Name()] {
			return p
		}
	}
	return nil
}

func (r *Router) dispatch(ctx context.Context, p ProviderAdapter, req *Request) (*Result, error) {
	timeout := r.config.DispatchTimeout
	if t, ok := p.(TimeoutProvider); ok && t.Timeout() > 0 {
		timeout = t.Timeout()
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := p.ProcessImage(dctx, req.UserID, req.Input, req.Opts)
	if err == nil && result == nil {
		err = fmt.Errorf("provider %s returned no result", p.Name())
	}
	if err != nil && dctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = fmt.Errorf("provider %s timed out after %s: %w", p.Name(), timeout, err)
	}
	return result, err
}

// complete reconciles the reserved estimate with the cost the provider reported
func (r *Router) complete(ctx context.Context, req *Request, result *Result, attempts []Attempt) *Outcome {
	out := &Outcome{
		Result:       result,
		Attempts:     attempts,
		ReservedCost: req.ReservedCost,
		ActualCost:   result.CreditsUsed,
	}
	if out.ActualCost <= 0 {
		out.ActualCost = req.ReservedCost
	}
	out.ChargedCost = req.ReservedCost
	diff := req.ReservedCost - out.ActualCost
	if diff == 0 {
		return out
	}

	ctx = context.WithoutCancel(ctx)
	logger := r.config.Logger
	if diff > 0 {
		res, err := r.refund(ctx, req.UserID, diff, req.Opts.JobID)
		if err != nil {
			logger.Error("cost reconciliation refund failed",
				gocredits.F("user_id", req.UserID),
				gocredits.F("job_id", req.Opts.JobID),
				gocredits.F("amount", diff),
				gocredits.F("error", err),
			)
			return out
		}
		r.config.Metrics.RecordRefund("reconcile", diff)
		out.ChargedCost = out.ActualCost
		out.Balance = &res.Balance
		return out
	}

	extra := -diff
	res, err := r.ledger.ReserveAndDebit(ctx, req.UserID, extra, req.Opts.JobID+":adjust", gocredits.TransactionUsage)
	if err != nil {
		// the work is done; the shortfall is absorbed and logged
		logger.Warn("cost reconciliation debit failed",
			gocredits.F("user_id", req.UserID),
			gocredits.F("job_id", req.Opts.JobID),
			gocredits.F("amount", extra),
			gocredits.F("error", err),
		)
		return out
	}
	out.ChargedCost = out.ActualCost
	out.Balance = &res.Balance
	return out
}

func (r *Router) exhausted(ctx context.Context, req *Request, attempts []Attempt) error {
	r.config.Metrics.RecordExhausted()
	exhaustedErr := &AllProvidersExhaustedError{JobID: req.Opts.JobID, Attempts: attempts}
	if req.ReservedCost <= 0 {
		exhaustedErr.Refunded = true
		return exhaustedErr
	}

	_, err := r.refund(context.WithoutCancel(ctx), req.UserID, req.ReservedCost, req.Opts.JobID)
	if err != nil {
		r.config.Logger.Error("refund after provider exhaustion failed",
			gocredits.F("user_id", req.UserID),
			gocredits.F("job_id", req.Opts.JobID),
			gocredits.F("amount", req.ReservedCost),
			gocredits.F("error", err),
		)
		return errors.Join(exhaustedErr, err)
	}
	exhaustedErr.Refunded = true
	r.config.Metrics.RecordRefund("exhausted", req.ReservedCost)
	r.config.Logger.Info("reservation refunded, all providers exhausted",
		gocredits.F("user_id", req.UserID),
		gocredits.F("job_id", req.Opts.JobID),
		gocredits.F("amount", req.ReservedCost),
	)
	return exhaustedErr
}

// refund retries transient ledger failures with exponential backoff
func (r *Router) refund(ctx context.Context, userID string, amount int, jobID string) (*gocredits.MutationResult, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = r.config.RefundMaxElapsed

	return backoff.RetryWithData(func() (*gocredits.MutationResult, error) {
		res, err := r.ledger.Refund(ctx, userID, amount, jobID)
		if err != nil && (errors.Is(err, gocredits.ErrInvalidAmount) || errors.Is(err, gocredits.ErrMissingReference)) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	}, backoff.WithContext(policy, ctx))
}

// Usage collects every provider's counters concurrently
func (r *Router) Usage(ctx context.Context) (map[string]Usage, error) {
	var mu sync.Mutex
	out := make(map[string]Usage, len(r.providers))

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range r.providers {
		p := p
		g.Go(func() error {
			u, err := p.GetUsage(gctx)
			if err != nil {
				return fmt.Errorf("usage for %s: %w", p.Name(), err)
			}
			mu.Lock()
			out[p.Name()] = u
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
