package billing_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredits/pkg/billing"
	"github.com/mihaimyh/gocredits/pkg/gocredits"
	"github.com/mihaimyh/gocredits/storage/memory"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func intPtr(v int) *int { return &v }

func newTestCatalog(t *testing.T) *gocredits.PlanCatalog {
	t.Helper()
	catalog, err := gocredits.NewPlanCatalog(gocredits.CatalogConfig{
		DefaultLimits: gocredits.Limits{BatchLimit: 1, HourlyLimit: 10},
		Plans: []gocredits.Plan{
			{
				Key: "pro", ExternalPriceID: "price_pro", CreditsPerCycle: 1000,
				MaxRollover: intPtr(6000), ExpirationMode: gocredits.ExpirationNever,
				BatchLimit: 50, HourlyLimit: 500, Enabled: true,
			},
			{
				Key: "hobby", ExternalPriceID: "price_hobby", CreditsPerCycle: 200,
				ExpirationMode: gocredits.ExpirationEndOfCycle, BatchLimit: 10, HourlyLimit: 100, Enabled: true,
			},
		},
		Packs: []gocredits.CreditPack{
			{Key: "small", ExternalPriceID: "price_small", Credits: 50, Enabled: true},
		},
	})
	require.NoError(t, err)
	return catalog
}

type flakyLedger struct {
	billing.Ledger
	failures int32
	calls    int32
}

func (l *flakyLedger) fail() error {
	atomic.AddInt32(&l.calls, 1)
	if atomic.AddInt32(&l.failures, -1) >= 0 {
		return gocredits.ErrStorageUnavailable
	}
	return nil
}

func (l *flakyLedger) Credit(ctx context.Context, userID string, amount int, txType gocredits.TransactionType, ref string) (*gocredits.MutationResult, error) {
	if err := l.fail(); err != nil {
		return nil, err
	}
	return l.Ledger.Credit(ctx, userID, amount, txType, ref)
}

func (l *flakyLedger) ApplySubscription(ctx context.Context, req *gocredits.SubscriptionRequest) (*gocredits.MutationResult, error) {
	if err := l.fail(); err != nil {
		return nil, err
	}
	return l.Ledger.ApplySubscription(ctx, req)
}

type processorFixture struct {
	storage   *memory.Storage
	ledger    *gocredits.Ledger
	processor *billing.Processor

	mu      sync.Mutex
	applied []billing.AppliedEvent
}

func newProcessorFixture(t *testing.T, wrap func(billing.Ledger) billing.Ledger) *processorFixture {
	t.Helper()
	f := &processorFixture{storage: memory.New()}

	ledger, err := gocredits.NewLedger(f.storage, gocredits.Config{})
	require.NoError(t, err)
	f.ledger = ledger

	var target billing.Ledger = ledger
	if wrap != nil {
		target = wrap(ledger)
	}
	f.processor = f.newProcessor(t, target)
	return f
}

func (f *processorFixture) newProcessor(t *testing.T, ledger billing.Ledger) *billing.Processor {
	t.Helper()
	p, err := billing.NewProcessor(billing.ProcessorConfig{
		Ledger:               ledger,
		Catalog:              newTestCatalog(t),
		Events:               f.storage,
		RetryInitialInterval: time.Millisecond,
		RetryMaxElapsed:      200 * time.Millisecond,
		OnApplied: func(_ context.Context, ev billing.AppliedEvent) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.applied = append(f.applied, ev)
		},
	})
	require.NoError(t, err)
	return p
}

func (f *processorFixture) balance(t *testing.T) gocredits.Balance {
	t.Helper()
	bal, err := f.ledger.GetBalance(context.Background(), "user1")
	require.NoError(t, err)
	return bal
}

func header(id string, typ billing.EventType, at time.Time) billing.Header {
	return billing.Header{ID: id, Type: typ, Created: at, UserID: "user1", CustomerID: "cus_1"}
}

func created(id, price string, at time.Time) *billing.SubscriptionCreated {
	return &billing.SubscriptionCreated{
		Header:         header(id, billing.EventSubscriptionCreated, at),
		SubscriptionID: "sub_1",
		PriceID:        price,
		PeriodStart:    at,
	}
}

func renewed(id, price string, at time.Time) *billing.SubscriptionRenewed {
	return &billing.SubscriptionRenewed{
		Header:         header(id, billing.EventSubscriptionRenewed, at),
		SubscriptionID: "sub_1",
		PriceID:        price,
	}
}

func TestNewProcessor_Validation(t *testing.T) {
	_, err := billing.NewProcessor(billing.ProcessorConfig{Catalog: newTestCatalog(t)})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	ledger, err := gocredits.NewLedger(memory.New(), gocredits.Config{})
	require.NoError(t, err)
	_, err = billing.NewProcessor(billing.ProcessorConfig{Ledger: ledger})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestProcessor_SubscriptionCreated(t *testing.T) {
	f := newProcessorFixture(t, nil)
	ctx := context.Background()

	res, err := f.processor.Process(ctx, "stripe", created("evt_1", "price_pro", t0))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, res.Outcome)
	require.NotNil(t, res.Balance)
	assert.Equal(t, gocredits.NewBalance(1000, 0), *res.Balance)

	acct, err := f.ledger.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, "pro", acct.PlanKey)
	assert.Equal(t, "sub_1", acct.SubscriptionID)
	assert.Equal(t, "cus_1", acct.CustomerID)
	assert.Equal(t, t0, acct.CycleAnchor)

	require.Len(t, f.applied, 1)
	assert.Equal(t, "evt_1", f.applied[0].EventID)
	assert.Equal(t, "stripe", f.applied[0].Provider)
	assert.Equal(t, "pro", f.applied[0].PlanKey)
	require.Len(t, f.applied[0].Transactions, 1)
	assert.Equal(t, "evt_1", f.applied[0].Transactions[0].ReferenceID)
}

func TestProcessor_DuplicateEvent(t *testing.T) {
	f := newProcessorFixture(t, nil)
	ctx := context.Background()

	_, err := f.processor.Process(ctx, "stripe", created("evt_1", "price_pro", t0))
	require.NoError(t, err)

	res, err := f.processor.Process(ctx, "stripe", created("evt_1", "price_pro", t0))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeDuplicate, res.Outcome)
	assert.ErrorIs(t, res.Reason, billing.ErrDuplicateEvent)

	// a second instance sees the completed claim
	other := f.newProcessor(t, f.ledger)
	res, err = other.Process(ctx, "stripe", created("evt_1", "price_pro", t0))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeDuplicate, res.Outcome)

	assert.Equal(t, gocredits.NewBalance(1000, 0), f.balance(t))
	assert.Len(t, f.applied, 1)
}

func TestProcessor_DuplicateWithoutClaimStore(t *testing.T) {
	storage := memory.New()
	ledger, err := gocredits.NewLedger(storage, gocredits.Config{})
	require.NoError(t, err)
	ctx := context.Background()

	newProcessor := func() *billing.Processor {
		p, err := billing.NewProcessor(billing.ProcessorConfig{Ledger: ledger, Catalog: newTestCatalog(t)})
		require.NoError(t, err)
		return p
	}

	_, err = newProcessor().Process(ctx, "stripe", created("evt_1", "price_pro", t0))
	require.NoError(t, err)

	// the ledger reference id still rejects the replay
	res, err := newProcessor().Process(ctx, "stripe", created("evt_1", "price_pro", t0))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeDuplicate, res.Outcome)

	bal, err := ledger.GetBalance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 1000, bal.Total)
}

func TestProcessor_RenewalExpiresUnusedCredits(t *testing.T) {
	f := newProcessorFixture(t, nil)
	ctx := context.Background()

	_, err := f.processor.Process(ctx, "stripe", created("evt_1", "price_hobby", t0))
	require.NoError(t, err)
	_, err = f.ledger.ReserveAndDebit(ctx, "user1", 50, "job1", gocredits.TransactionUsage)
	require.NoError(t, err)

	res, err := f.processor.Process(ctx, "stripe", renewed("evt_2", "price_hobby", t0.AddDate(0, 1, 0)))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, res.Outcome)
	assert.Equal(t, gocredits.NewBalance(200, 0), f.balance(t))

	require.Len(t, f.applied, 2)
	txs := f.applied[1].Transactions
	require.Len(t, txs, 2)
	assert.Equal(t, gocredits.TransactionExpiration, txs[0].Type)
	assert.Equal(t, -150, txs[0].Amount)
	assert.Equal(t, gocredits.TransactionSubscription, txs[1].Type)
	assert.Equal(t, 200, txs[1].Amount)

	acct, err := f.ledger.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, t0, acct.CycleAnchor)
}

func TestProcessor_StaleEvent(t *testing.T) {
	f := newProcessorFixture(t, nil)
	ctx := context.Background()

	_, err := f.processor.Process(ctx, "stripe", created("evt_2", "price_pro", t0.Add(time.Hour)))
	require.NoError(t, err)

	old := &billing.SubscriptionUpdated{
		Header:         header("evt_1", billing.EventSubscriptionUpdated, t0),
		SubscriptionID: "sub_1",
		PriceID:        "price_hobby",
	}
	res, err := f.processor.Process(ctx, "stripe", old)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeStale, res.Outcome)
	assert.ErrorIs(t, res.Reason, billing.ErrStaleEvent)

	var stale *billing.StaleWebhookEventError
	require.ErrorAs(t, res.Reason, &stale)
	assert.Equal(t, "evt_1", stale.EventID)

	acct, err := f.ledger.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, "pro", acct.PlanKey)

	// acknowledged events are not retried on redelivery
	res, err = f.processor.Process(ctx, "stripe", old)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeDuplicate, res.Outcome)
}

func TestProcessor_PlanChangeKeepsCredits(t *testing.T) {
	f := newProcessorFixture(t, nil)
	ctx := context.Background()

	_, err := f.processor.Process(ctx, "stripe", created("evt_1", "price_pro", t0))
	require.NoError(t, err)

	res, err := f.processor.Process(ctx, "stripe", &billing.SubscriptionUpdated{
		Header:         header("evt_2", billing.EventSubscriptionUpdated, t0.Add(time.Hour)),
		SubscriptionID: "sub_1",
		PriceID:        "price_hobby",
	})
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, res.Outcome)
	assert.Equal(t, gocredits.NewBalance(1000, 0), f.balance(t))

	acct, err := f.ledger.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, "hobby", acct.PlanKey)
}

func TestProcessor_Cancellation(t *testing.T) {
	tests := []struct {
		name  string
		price string
		want  gocredits.Balance
	}{
		{name: "end of cycle forfeits subscription credits", price: "price_hobby", want: gocredits.NewBalance(0, 50)},
		{name: "never keeps subscription credits", price: "price_pro", want: gocredits.NewBalance(1000, 50)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newProcessorFixture(t, nil)
			ctx := context.Background()

			_, err := f.processor.Process(ctx, "stripe", created("evt_1", tt.price, t0))
			require.NoError(t, err)
			_, err = f.ledger.Credit(ctx, "user1", 50, gocredits.TransactionPurchase, "evt_pack")
			require.NoError(t, err)

			res, err := f.processor.Process(ctx, "stripe", &billing.SubscriptionCanceled{
				Header:         header("evt_2", billing.EventSubscriptionCanceled, t0.Add(time.Hour)),
				SubscriptionID: "sub_1",
			})
			require.NoError(t, err)
			assert.Equal(t, billing.OutcomeApplied, res.Outcome)
			assert.Equal(t, tt.want, f.balance(t))

			acct, err := f.ledger.GetAccount(ctx, "user1")
			require.NoError(t, err)
			assert.Empty(t, acct.PlanKey)
			assert.Empty(t, acct.SubscriptionID)
		})
	}
}

func TestProcessor_CreditPackPurchased(t *testing.T) {
	tests := []struct {
		name  string
		event *billing.CreditPackPurchased
		want  int
	}{
		{
			name:  "by pack key",
			event: &billing.CreditPackPurchased{PackKey: "small"},
			want:  50,
		},
		{
			name:  "by price id",
			event: &billing.CreditPackPurchased{PriceID: "price_small"},
			want:  50,
		},
		{
			name:  "catalog wins over metadata",
			event: &billing.CreditPackPurchased{PackKey: "small", Credits: 500},
			want:  50,
		},
		{
			name:  "retired pack uses metadata credits",
			event: &billing.CreditPackPurchased{PackKey: "legacy", Credits: 30},
			want:  30,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newProcessorFixture(t, nil)
			tt.event.Header = header("evt_pack", billing.EventCreditPackPurchased, t0)

			res, err := f.processor.Process(context.Background(), "stripe", tt.event)
			require.NoError(t, err)
			assert.Equal(t, billing.OutcomeApplied, res.Outcome)
			assert.Equal(t, gocredits.NewBalance(0, tt.want), f.balance(t))

			tx, err := f.storage.GetTransaction(context.Background(), "user1", gocredits.TransactionPurchase, "evt_pack")
			require.NoError(t, err)
			require.NotNil(t, tx)
			assert.Equal(t, tt.want, tx.Amount)
		})
	}
}

func TestProcessor_RejectsUnknownPrice(t *testing.T) {
	f := newProcessorFixture(t, nil)
	ctx := context.Background()

	res, err := f.processor.Process(ctx, "stripe", created("evt_1", "price_unknown", t0))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeRejected, res.Outcome)
	assert.ErrorIs(t, res.Reason, gocredits.ErrPlanNotFound)
	assert.Empty(t, f.applied)

	res, err = f.processor.Process(ctx, "stripe", &billing.CreditPackPurchased{
		Header:  header("evt_2", billing.EventCreditPackPurchased, t0),
		PackKey: "huge",
	})
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeRejected, res.Outcome)
	assert.ErrorIs(t, res.Reason, gocredits.ErrPackNotFound)
	assert.Equal(t, 0, f.balance(t).Total)
}

func TestProcessor_IgnoredEvents(t *testing.T) {
	f := newProcessorFixture(t, nil)
	ctx := context.Background()

	res, err := f.processor.Process(ctx, "stripe", &billing.PaymentFailed{
		Header:         header("evt_1", billing.EventPaymentFailed, t0),
		SubscriptionID: "sub_1",
	})
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeIgnored, res.Outcome)

	res, err = f.processor.Process(ctx, "stripe", &billing.Unhandled{Header: header("evt_2", "customer.created", t0)})
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeIgnored, res.Outcome)
	assert.Empty(t, f.applied)
}

func TestProcessor_RetriesTransientFailures(t *testing.T) {
	var flaky *flakyLedger
	f := newProcessorFixture(t, func(l billing.Ledger) billing.Ledger {
		flaky = &flakyLedger{Ledger: l, failures: 2}
		return flaky
	})

	res, err := f.processor.Process(context.Background(), "stripe", created("evt_1", "price_pro", t0))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, res.Outcome)
	assert.Equal(t, int32(3), atomic.LoadInt32(&flaky.calls))
	assert.Equal(t, 1000, f.balance(t).Total)
}

func TestProcessor_PersistentFailureReleasesClaim(t *testing.T) {
	f := newProcessorFixture(t, func(l billing.Ledger) billing.Ledger {
		return &flakyLedger{Ledger: l, failures: 1 << 20}
	})
	ctx := context.Background()

	_, err := f.processor.Process(ctx, "stripe", created("evt_1", "price_pro", t0))
	require.Error(t, err)
	assert.ErrorIs(t, err, gocredits.ErrStorageUnavailable)

	// redelivery can claim the event again
	status, err := f.storage.ClaimEvent(ctx, "evt_1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, gocredits.ClaimAcquired, status)
}

func TestProcessor_EventInProgress(t *testing.T) {
	f := newProcessorFixture(t, nil)
	ctx := context.Background()

	status, err := f.storage.ClaimEvent(ctx, "evt_1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, gocredits.ClaimAcquired, status)

	_, err = f.processor.Process(ctx, "stripe", created("evt_1", "price_pro", t0))
	assert.ErrorIs(t, err, billing.ErrEventInProgress)
	assert.Equal(t, 0, f.balance(t).Total)
}

func TestProcessor_ConcurrentRedelivery(t *testing.T) {
	tests := []struct {
		name   string
		events gocredits.EventStore
	}{
		{name: "claimed in the event store"},
		{name: "claim store down", events: failingEvents{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := memory.New()
			ledger, err := gocredits.NewLedger(storage, gocredits.Config{})
			require.NoError(t, err)
			events := tt.events
			if events == nil {
				events = storage
			}
			p, err := billing.NewProcessor(billing.ProcessorConfig{
				Ledger:  ledger,
				Catalog: newTestCatalog(t),
				Events:  events,
			})
			require.NoError(t, err)

			var (
				wg       sync.WaitGroup
				start    = make(chan struct{})
				results  = make([]*billing.Result, 2)
				errs     = make([]error, 2)
				delivery = func() billing.Event {
					return &billing.CreditPackPurchased{
						Header:  header("evt_pack", billing.EventCreditPackPurchased, t0),
						PackKey: "small",
					}
				}
			)
			for i := range results {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					results[i], errs[i] = p.Process(context.Background(), "stripe", delivery())
				}(i)
			}
			close(start)
			wg.Wait()

			applied := 0
			for i := range results {
				if errs[i] != nil {
					// the redelivery raced the claim and will be retried by the provider
					assert.ErrorIs(t, errs[i], billing.ErrEventInProgress)
					continue
				}
				switch results[i].Outcome {
				case billing.OutcomeApplied:
					applied++
				default:
					assert.Equal(t, billing.OutcomeDuplicate, results[i].Outcome)
				}
			}
			assert.Equal(t, 1, applied)

			bal, err := ledger.GetBalance(context.Background(), "user1")
			require.NoError(t, err)
			assert.Equal(t, gocredits.NewBalance(0, 50), bal)

			history, err := ledger.GetHistory(context.Background(), "user1", 10, 0)
			require.NoError(t, err)
			assert.Equal(t, 1, history.Total)
		})
	}
}

type failingEvents struct{}

func (failingEvents) ClaimEvent(context.Context, string, time.Duration) (gocredits.ClaimStatus, error) {
	return 0, errors.New("claim store down")
}
func (failingEvents) CompleteEvent(context.Context, string) error { return nil }
func (failingEvents) ReleaseEvent(context.Context, string) error  { return nil }

func TestProcessor_ClaimStoreFailureStillApplies(t *testing.T) {
	ledger, err := gocredits.NewLedger(memory.New(), gocredits.Config{})
	require.NoError(t, err)
	p, err := billing.NewProcessor(billing.ProcessorConfig{
		Ledger:  ledger,
		Catalog: newTestCatalog(t),
		Events:  failingEvents{},
	})
	require.NoError(t, err)

	res, err := p.Process(context.Background(), "stripe", created("evt_1", "price_pro", t0))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, res.Outcome)
}
