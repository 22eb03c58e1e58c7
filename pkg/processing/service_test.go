package processing_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
	"github.com/mihaimyh/gocredits/pkg/processing"
	"github.com/mihaimyh/gocredits/pkg/providers"
	"github.com/mihaimyh/gocredits/storage/memory"
)

type stubProvider struct {
	name    string
	err     error
	credits int
	calls   int32
}

func (p *stubProvider) Name() string                     { return p.name }
func (p *stubProvider) IsAvailable(context.Context) bool { return true }

func (p *stubProvider) GetUsage(context.Context) (providers.Usage, error) {
	return providers.Usage{TodayRequests: int(atomic.LoadInt32(&p.calls))}, nil
}

func (p *stubProvider) ProcessImage(_ context.Context, _ string, _ providers.Input, opts providers.Options) (*providers.Result, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.err != nil {
		return nil, p.err
	}
	return &providers.Result{Provider: p.name, OutputURL: "https://cdn/" + opts.JobID, CreditsUsed: p.credits}, nil
}

type serviceFixture struct {
	ledger  *gocredits.Ledger
	service *processing.Service
}

func newServiceFixture(t *testing.T, freeCredits int, adapters ...providers.ProviderAdapter) *serviceFixture {
	t.Helper()
	ledger, err := gocredits.NewLedger(memory.New(), gocredits.Config{FreeCredits: freeCredits})
	require.NoError(t, err)

	catalog, err := gocredits.NewPlanCatalog(gocredits.CatalogConfig{
		DefaultLimits: gocredits.Limits{BatchLimit: 3, HourlyLimit: 4},
	})
	require.NoError(t, err)

	costs, err := gocredits.NewCostCalculator(gocredits.DefaultCostConfig())
	require.NoError(t, err)

	router, err := providers.NewRouter(ledger, adapters, providers.RouterConfig{RefundMaxElapsed: time.Second})
	require.NoError(t, err)

	ids := int32(0)
	service, err := processing.NewService(processing.Config{
		Ledger:  ledger,
		Limiter: gocredits.NewRequestLimiter(gocredits.NewMemoryRateLimiter(), catalog, gocredits.RequestLimiterConfig{}),
		Costs:   costs,
		Router:  router,
		NewJobID: func() string {
			return "job" + string(rune('a'+atomic.AddInt32(&ids, 1)-1))
		},
	})
	require.NoError(t, err)
	return &serviceFixture{ledger: ledger, service: service}
}

func (f *serviceFixture) total(t *testing.T) int {
	t.Helper()
	bal, err := f.ledger.GetBalance(context.Background(), "user1")
	require.NoError(t, err)
	return bal.Total
}

func standardRequest(images int) *processing.Request {
	return &processing.Request{
		UserID: "user1",
		Images: make([]providers.Input, images),
		Cost:   gocredits.CostInput{Tier: gocredits.TierStandard, Scale: 2},
	}
}

func TestNewService_Validation(t *testing.T) {
	_, err := processing.NewService(processing.Config{})
	assert.ErrorIs(t, err, gocredits.ErrInvalidConfig)
}

func TestProcess_SingleImage(t *testing.T) {
	p := &stubProvider{name: "primary"}
	f := newServiceFixture(t, 10, p)

	resp, err := f.service.Process(context.Background(), standardRequest(1))
	require.NoError(t, err)

	assert.Equal(t, "joba", resp.JobID)
	assert.Equal(t, 2, resp.UnitCost)
	assert.Equal(t, 2, resp.Charged)
	assert.Equal(t, 8, resp.Balance.Total)
	require.NotNil(t, resp.RateLimit)
	assert.Equal(t, 3, resp.RateLimit.Remaining)

	require.Len(t, resp.Items, 1)
	assert.Equal(t, "joba", resp.Items[0].JobID)
	assert.Equal(t, "https://cdn/joba", resp.Items[0].Result.OutputURL)
	assert.Equal(t, 8, f.total(t))
}

func TestProcess_BatchUsesPerImageReferences(t *testing.T) {
	p := &stubProvider{name: "primary"}
	f := newServiceFixture(t, 10, p)

	req := standardRequest(3)
	req.JobID = "client-job"
	resp, err := f.service.Process(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, resp.Items, 3)
	for i, item := range resp.Items {
		assert.Equal(t, "client-job:"+string(rune('0'+i)), item.JobID)
		assert.NoError(t, item.Err)
	}
	assert.Equal(t, 6, resp.Charged)
	assert.Equal(t, 4, f.total(t))
	assert.EqualValues(t, 3, atomic.LoadInt32(&p.calls))
}

func TestProcess_RejectsBeforeCharging(t *testing.T) {
	tests := []struct {
		name    string
		credits int
		req     *processing.Request
		wantErr error
	}{
		{
			name:    "missing user",
			credits: 10,
			req:     &processing.Request{Images: make([]providers.Input, 1), Cost: gocredits.CostInput{Tier: gocredits.TierQuick, Scale: 2}},
			wantErr: gocredits.ErrMissingUserID,
		},
		{
			name:    "empty batch",
			credits: 10,
			req:     &processing.Request{UserID: "user1", Cost: gocredits.CostInput{Tier: gocredits.TierQuick, Scale: 2}},
			wantErr: processing.ErrEmptyBatch,
		},
		{
			name:    "unknown tier",
			credits: 10,
			req:     &processing.Request{UserID: "user1", Images: make([]providers.Input, 1), Cost: gocredits.CostInput{Tier: "cinematic", Scale: 2}},
			wantErr: gocredits.ErrInvalidTier,
		},
		{
			name:    "batch too large",
			credits: 10,
			req:     standardRequest(4),
			wantErr: gocredits.ErrBatchLimitExceeded,
		},
		{
			name:    "cannot afford batch",
			credits: 5,
			req:     standardRequest(3),
			wantErr: gocredits.ErrInsufficientCredits,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &stubProvider{name: "primary"}
			f := newServiceFixture(t, tt.credits, p)

			_, err := f.service.Process(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, atomic.LoadInt32(&p.calls))
			assert.Equal(t, tt.credits, f.total(t))
		})
	}
}

func TestProcess_HourlyLimit(t *testing.T) {
	f := newServiceFixture(t, 100, &stubProvider{name: "primary"})
	ctx := context.Background()

	_, err := f.service.Process(ctx, standardRequest(3))
	require.NoError(t, err)

	_, err = f.service.Process(ctx, standardRequest(2))
	var limitErr *gocredits.RateLimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 4, limitErr.Info.Limit)
	assert.Equal(t, 94, f.total(t))
}

func TestProcess_UnaffordableBatchKeepsHourlyBudget(t *testing.T) {
	f := newServiceFixture(t, 5, &stubProvider{name: "primary"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.service.Process(ctx, standardRequest(3))
		require.ErrorIs(t, err, gocredits.ErrInsufficientCredits)
	}

	resp, err := f.service.Process(ctx, standardRequest(2))
	require.NoError(t, err)
	assert.Equal(t, 4, resp.Charged)
	require.NotNil(t, resp.RateLimit)
	assert.Equal(t, 2, resp.RateLimit.Remaining)
	assert.Equal(t, 1, f.total(t))
}

func TestProcess_AllProvidersFailRefunds(t *testing.T) {
	f := newServiceFixture(t, 10,
		&stubProvider{name: "primary", err: errors.New("upstream 503")},
		&stubProvider{name: "secondary", err: errors.New("upstream 500")},
	)

	resp, err := f.service.Process(context.Background(), standardRequest(1))
	assert.ErrorIs(t, err, providers.ErrAllProvidersExhausted)
	require.NotNil(t, resp)
	require.Len(t, resp.Items, 1)
	assert.Len(t, resp.Items[0].Attempts, 2)
	assert.Zero(t, resp.Charged)
	assert.Equal(t, 10, resp.Balance.Total)
	assert.Equal(t, 10, f.total(t))
}

func TestProcess_AutoTierReconciles(t *testing.T) {
	f := newServiceFixture(t, 10, &stubProvider{name: "primary", credits: 3})

	req := standardRequest(1)
	req.Cost = gocredits.CostInput{Tier: gocredits.TierAuto, Scale: 2}
	resp, err := f.service.Process(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 4, resp.UnitCost)
	assert.Equal(t, 3, resp.Charged)
	assert.Equal(t, 7, f.total(t))
}

func TestProcess_AbsorbedShortfallIsNotCharged(t *testing.T) {
	f := newServiceFixture(t, 10, &stubProvider{name: "primary", credits: 30})

	resp, err := f.service.Process(context.Background(), standardRequest(1))
	require.NoError(t, err)

	require.Len(t, resp.Items, 1)
	assert.Equal(t, 2, resp.Items[0].Cost)
	assert.Equal(t, 2, resp.Charged)
	assert.Equal(t, 8, f.total(t))
}

func TestProcess_DuplicateJob(t *testing.T) {
	p := &stubProvider{name: "primary"}
	f := newServiceFixture(t, 10, p)
	ctx := context.Background()

	req := standardRequest(1)
	req.JobID = "client-job"
	_, err := f.service.Process(ctx, req)
	require.NoError(t, err)

	_, err = f.service.Process(ctx, req)
	assert.ErrorIs(t, err, processing.ErrDuplicateJob)
	assert.EqualValues(t, 1, atomic.LoadInt32(&p.calls))
	assert.Equal(t, 8, f.total(t))
}
