package providers_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredits/pkg/providers"
	"github.com/mihaimyh/gocredits/storage/memory"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type countingBackend struct {
	calls  int32
	err    error
	result *providers.Result
}

func (b *countingBackend) Process(_ context.Context, _ string, _ providers.Input, _ providers.Options) (*providers.Result, error) {
	atomic.AddInt32(&b.calls, 1)
	if b.err != nil {
		return nil, b.err
	}
	if b.result == nil {
		return &providers.Result{Model: "test-model"}, nil
	}
	res := *b.result
	return &res, nil
}

type recordingMetrics struct {
	providers.NoopMetrics

	mu        sync.Mutex
	states    []providers.CircuitBreakerState
	fallbacks []string
	refunds   map[string]int
	exhausted int
}

func (m *recordingMetrics) RecordCircuitBreakerStateChange(_ string, state providers.CircuitBreakerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
}

func (m *recordingMetrics) RecordFallback(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks = append(m.fallbacks, from+">"+to)
}

func (m *recordingMetrics) RecordRefund(reason string, amount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refunds == nil {
		m.refunds = make(map[string]int)
	}
	m.refunds[reason] += amount
}

func (m *recordingMetrics) RecordExhausted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exhausted++
}

func newTestAdapter(t *testing.T, config providers.ProviderConfig, backend providers.Backend, counter providers.QuotaCounter, opts ...providers.QuotaAdapterOption) *providers.QuotaAdapter {
	t.Helper()
	opts = append([]providers.QuotaAdapterOption{providers.WithClock(func() time.Time { return testNow })}, opts...)
	a, err := providers.NewQuotaAdapter(config, backend, counter, opts...)
	require.NoError(t, err)
	return a
}

func TestNewQuotaAdapter_Validation(t *testing.T) {
	_, err := providers.NewQuotaAdapter(providers.ProviderConfig{}, &countingBackend{}, memory.New())
	assert.Error(t, err)

	_, err = providers.NewQuotaAdapter(providers.ProviderConfig{Name: "p"}, nil, memory.New())
	assert.Error(t, err)

	_, err = providers.NewQuotaAdapter(providers.ProviderConfig{Name: "p"}, &countingBackend{}, nil)
	assert.Error(t, err)
}

func TestQuotaAdapter_Disabled(t *testing.T) {
	backend := &countingBackend{}
	a := newTestAdapter(t, providers.ProviderConfig{Name: "replicate"}, backend, memory.New())
	ctx := context.Background()

	assert.False(t, a.IsAvailable(ctx))

	_, err := a.ProcessImage(ctx, "user1", providers.Input{}, providers.Options{})
	assert.ErrorIs(t, err, providers.ErrProviderUnavailable)
	assert.ErrorIs(t, err, providers.ErrProviderDisabled)
	assert.Equal(t, int32(0), backend.calls)
}

func TestQuotaAdapter_HardLimit(t *testing.T) {
	backend := &countingBackend{}
	counter := memory.New()
	a := newTestAdapter(t, providers.ProviderConfig{
		Name:      "gemini",
		Enabled:   true,
		HardLimit: true,
		Limits:    providers.QuotaLimits{DailyRequests: 2},
	}, backend, counter)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.True(t, a.IsAvailable(ctx))
		res, err := a.ProcessImage(ctx, "user1", providers.Input{}, providers.Options{EstimatedCost: 1})
		require.NoError(t, err)
		assert.Equal(t, "gemini", res.Provider)
	}

	assert.False(t, a.IsAvailable(ctx))
	_, err := a.ProcessImage(ctx, "user1", providers.Input{}, providers.Options{EstimatedCost: 1})
	assert.ErrorIs(t, err, providers.ErrQuotaExhausted)
	assert.ErrorIs(t, err, providers.ErrProviderUnavailable)
	assert.Equal(t, int32(2), backend.calls)

	usage, err := a.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, usage.TodayRequests)
	assert.Equal(t, 2, usage.MonthRequests)
	assert.Equal(t, 2, usage.MonthCredits)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), usage.DailyResetAt)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), usage.MonthlyResetAt)
}

func TestQuotaAdapter_SoftLimitKeepsServing(t *testing.T) {
	backend := &countingBackend{}
	a := newTestAdapter(t, providers.ProviderConfig{
		Name:    "gemini",
		Enabled: true,
		Limits:  providers.QuotaLimits{DailyRequests: 1},
	}, backend, memory.New())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := a.ProcessImage(ctx, "user1", providers.Input{}, providers.Options{})
		require.NoError(t, err)
	}
	assert.True(t, a.IsAvailable(ctx))

	usage, err := a.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, usage.TodayRequests)
}

func TestQuotaAdapter_FailureReleasesSlot(t *testing.T) {
	boom := errors.New("upstream 502")
	backend := &countingBackend{err: boom}
	a := newTestAdapter(t, providers.ProviderConfig{
		Name:      "replicate",
		Enabled:   true,
		HardLimit: true,
		Limits:    providers.QuotaLimits{DailyRequests: 1},
	}, backend, memory.New())
	ctx := context.Background()

	_, err := a.ProcessImage(ctx, "user1", providers.Input{}, providers.Options{})
	assert.ErrorIs(t, err, boom)

	usage, err := a.GetUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.TodayRequests)
	assert.Equal(t, 0, usage.MonthCredits)
	assert.True(t, a.IsAvailable(ctx))
}

func TestQuotaAdapter_CreditAccounting(t *testing.T) {
	tests := []struct {
		name     string
		flatCost int
		reported int
		estimate int
		want     int
	}{
		{name: "reported by backend", flatCost: 2, reported: 3, estimate: 4, want: 3},
		{name: "flat cost", flatCost: 2, estimate: 4, want: 2},
		{name: "estimate", estimate: 4, want: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &countingBackend{result: &providers.Result{CreditsUsed: tt.reported}}
			a := newTestAdapter(t, providers.ProviderConfig{
				Name:     "replicate",
				Enabled:  true,
				FlatCost: tt.flatCost,
			}, backend, memory.New())
			ctx := context.Background()

			res, err := a.ProcessImage(ctx, "user1", providers.Input{}, providers.Options{EstimatedCost: tt.estimate})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.CreditsUsed)

			usage, err := a.GetUsage(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, usage.MonthCredits)
		})
	}
}

func TestQuotaAdapter_CircuitBreaker(t *testing.T) {
	now := testNow
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	metrics := &recordingMetrics{}
	backend := &countingBackend{err: errors.New("timeout")}
	a, err := providers.NewQuotaAdapter(providers.ProviderConfig{
		Name:           "replicate",
		Enabled:        true,
		CircuitBreaker: providers.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute},
	}, backend, memory.New(), providers.WithClock(clock), providers.WithMetrics(metrics))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := a.ProcessImage(ctx, "user1", providers.Input{}, providers.Options{})
		require.Error(t, err)
	}
	assert.Equal(t, providers.StateOpen, a.Breaker().State())
	assert.False(t, a.IsAvailable(ctx))

	_, err = a.ProcessImage(ctx, "user1", providers.Input{}, providers.Options{})
	assert.ErrorIs(t, err, providers.ErrCircuitOpen)
	assert.Equal(t, int32(2), backend.calls)

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	backend.err = nil

	assert.True(t, a.IsAvailable(ctx))
	_, err = a.ProcessImage(ctx, "user1", providers.Input{}, providers.Options{})
	require.NoError(t, err)
	assert.Equal(t, providers.StateClosed, a.Breaker().State())

	assert.Equal(t, []providers.CircuitBreakerState{
		providers.StateOpen, providers.StateHalfOpen, providers.StateClosed,
	}, metrics.states)
}

type failingCounter struct {
	providers.QuotaCounter
}

func (failingCounter) Reserve(context.Context, string, providers.QuotaLimits, time.Time) (bool, error) {
	return false, errors.New("redis down")
}

func (failingCounter) AddCredits(context.Context, string, int, time.Time) error {
	return errors.New("redis down")
}

func (failingCounter) Usage(context.Context, string, time.Time) (providers.Usage, error) {
	return providers.Usage{}, errors.New("redis down")
}

func TestQuotaAdapter_CounterFailureFailsOpen(t *testing.T) {
	backend := &countingBackend{}
	a := newTestAdapter(t, providers.ProviderConfig{
		Name:      "gemini",
		Enabled:   true,
		HardLimit: true,
		Limits:    providers.QuotaLimits{DailyRequests: 1},
	}, backend, failingCounter{})
	ctx := context.Background()

	assert.True(t, a.IsAvailable(ctx))
	res, err := a.ProcessImage(ctx, "user1", providers.Input{}, providers.Options{})
	require.NoError(t, err)
	assert.Equal(t, "gemini", res.Provider)
	assert.Equal(t, int32(1), backend.calls)
}
