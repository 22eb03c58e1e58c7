// Package storagetest holds the behavior every storage backend must share.
// Backend packages call the Run functions from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
	"github.com/mihaimyh/gocredits/pkg/providers"
)

// Now is the fixed instant the suites run at
var Now = time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

// StorageFactory returns an empty ledger backend
type StorageFactory func(t *testing.T) gocredits.Storage

// EventStoreFactory returns an empty event store and a function that moves its clock forward
type EventStoreFactory func(t *testing.T) (gocredits.EventStore, func(time.Duration))

// QuotaCounterFactory returns an empty provider quota counter
type QuotaCounterFactory func(t *testing.T) providers.QuotaCounter

func createAccount(t *testing.T, s gocredits.Storage, userID string, free int) {
	t.Helper()
	_, created, err := s.CreateAccount(context.Background(), &gocredits.CreateAccountRequest{
		UserID:      userID,
		FreeCredits: free,
		Now:         Now,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func credit(t *testing.T, s gocredits.Storage, userID string, txType gocredits.TransactionType, ref string, sub, purchased int) {
	t.Helper()
	_, err := s.Credit(context.Background(), &gocredits.CreditRequest{
		UserID:             userID,
		Type:               txType,
		ReferenceID:        ref,
		SubscriptionAmount: sub,
		PurchasedAmount:    purchased,
		Now:                Now,
	})
	require.NoError(t, err)
}

func debit(s gocredits.Storage, userID string, amount int, ref string) (*gocredits.MutationResult, error) {
	return s.Debit(context.Background(), &gocredits.DebitRequest{
		UserID:      userID,
		Amount:      amount,
		Type:        gocredits.TransactionUsage,
		ReferenceID: ref,
		Now:         Now,
	})
}

// RunStorageTests runs the ledger conformance suite against newStorage
func RunStorageTests(t *testing.T, newStorage StorageFactory) {
	t.Run("CreateAccount", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		_, err := s.GetAccount(ctx, "user1")
		assert.ErrorIs(t, err, gocredits.ErrAccountNotFound)

		createAccount(t, s, "user1", 10)

		acct, created, err := s.CreateAccount(ctx, &gocredits.CreateAccountRequest{
			UserID: "user1", FreeCredits: 10, Now: Now,
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, 10, acct.PurchasedBalance)
		assert.Equal(t, 0, acct.SubscriptionBalance)

		tx, err := s.GetTransaction(ctx, "user1", gocredits.TransactionBonus, gocredits.SignupReference("user1"))
		require.NoError(t, err)
		require.NotNil(t, tx)
		assert.Equal(t, 10, tx.Amount)
		assert.Equal(t, 10, tx.PurchasedDelta)
		assert.Equal(t, gocredits.NewBalance(0, 10), tx.BalanceAfter)
	})

	t.Run("CreateAccountWithoutBonus", func(t *testing.T) {
		s := newStorage(t)
		createAccount(t, s, "user1", 0)

		txs, total, err := s.ListTransactions(context.Background(), "user1", 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 0, total)
		assert.Empty(t, txs)
	})

	t.Run("DebitSubscriptionFirst", func(t *testing.T) {
		s := newStorage(t)
		createAccount(t, s, "user1", 0)
		credit(t, s, "user1", gocredits.TransactionSubscription, "sub1", 5, 0)
		credit(t, s, "user1", gocredits.TransactionPurchase, "pack1", 0, 10)

		res, err := debit(s, "user1", 8, "job1")
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
		assert.Equal(t, gocredits.NewBalance(0, 7), res.Balance)
		require.Len(t, res.Transactions, 1)
		assert.Equal(t, -8, res.Transactions[0].Amount)
		assert.Equal(t, -5, res.Transactions[0].SubscriptionDelta)
		assert.Equal(t, -3, res.Transactions[0].PurchasedDelta)

		acct, err := s.GetAccount(context.Background(), "user1")
		require.NoError(t, err)
		assert.Equal(t, 0, acct.SubscriptionBalance)
		assert.Equal(t, 7, acct.PurchasedBalance)
	})

	t.Run("DebitInsufficient", func(t *testing.T) {
		s := newStorage(t)
		createAccount(t, s, "user1", 3)

		_, err := debit(s, "user1", 5, "job1")
		require.ErrorIs(t, err, gocredits.ErrInsufficientCredits)
		var insufficient *gocredits.InsufficientCreditsError
		require.ErrorAs(t, err, &insufficient)
		assert.Equal(t, 5, insufficient.Required)
		assert.Equal(t, 3, insufficient.Available)

		acct, err := s.GetAccount(context.Background(), "user1")
		require.NoError(t, err)
		assert.Equal(t, 3, acct.Total())

		tx, err := s.GetTransaction(context.Background(), "user1", gocredits.TransactionUsage, "job1")
		require.NoError(t, err)
		assert.Nil(t, tx)
	})

	t.Run("DebitDuplicate", func(t *testing.T) {
		s := newStorage(t)
		createAccount(t, s, "user1", 10)

		first, err := debit(s, "user1", 4, "job1")
		require.NoError(t, err)

		second, err := debit(s, "user1", 4, "job1")
		require.NoError(t, err)
		assert.True(t, second.Duplicate)
		assert.Equal(t, gocredits.NewBalance(0, 6), second.Balance)
		require.Len(t, second.Transactions, 1)
		assert.Equal(t, first.Transactions[0].ID, second.Transactions[0].ID)

		_, total, err := s.ListTransactions(context.Background(), "user1", 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, total)
	})

	t.Run("SameReferenceDifferentType", func(t *testing.T) {
		s := newStorage(t)
		createAccount(t, s, "user1", 10)

		_, err := debit(s, "user1", 4, "job1")
		require.NoError(t, err)
		res, err := s.Credit(context.Background(), &gocredits.CreditRequest{
			UserID: "user1", Type: gocredits.TransactionRefund, ReferenceID: "job1", PurchasedAmount: 4, Now: Now,
		})
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
		assert.Equal(t, 10, res.Balance.Total)
	})

	t.Run("CreditNegativeAmount", func(t *testing.T) {
		s := newStorage(t)
		createAccount(t, s, "user1", 0)

		_, err := s.Credit(context.Background(), &gocredits.CreditRequest{
			UserID: "user1", Type: gocredits.TransactionPurchase, ReferenceID: "pack1", PurchasedAmount: -1, Now: Now,
		})
		assert.ErrorIs(t, err, gocredits.ErrInvalidAmount)

		tx, err := s.GetTransaction(context.Background(), "user1", gocredits.TransactionPurchase, "pack1")
		require.NoError(t, err)
		assert.Nil(t, tx)
	})

	t.Run("MutationOnMissingAccount", func(t *testing.T) {
		s := newStorage(t)

		_, err := debit(s, "ghost", 1, "job1")
		assert.ErrorIs(t, err, gocredits.ErrAccountNotFound)

		_, err = s.Credit(context.Background(), &gocredits.CreditRequest{
			UserID: "ghost", Type: gocredits.TransactionBonus, ReferenceID: "b1", PurchasedAmount: 1, Now: Now,
		})
		assert.ErrorIs(t, err, gocredits.ErrAccountNotFound)
	})

	t.Run("ListTransactions", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		createAccount(t, s, "user1", 0)
		for i := 1; i <= 5; i++ {
			credit(t, s, "user1", gocredits.TransactionPurchase, fmt.Sprintf("pack%d", i), 0, i)
		}

		txs, total, err := s.ListTransactions(ctx, "user1", 2, 0)
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, txs, 2)
		assert.Equal(t, "pack5", txs[0].ReferenceID)
		assert.Equal(t, "pack4", txs[1].ReferenceID)

		txs, _, err = s.ListTransactions(ctx, "user1", 2, 4)
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, "pack1", txs[0].ReferenceID)
		assert.Equal(t, gocredits.NewBalance(0, 1), txs[0].BalanceAfter)

		txs, total, err = s.ListTransactions(ctx, "user1", 2, 10)
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		assert.Empty(t, txs)

		txs, total, err = s.ListTransactions(ctx, "nobody", 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 0, total)
		assert.Empty(t, txs)
	})

	t.Run("DeleteAccount", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		createAccount(t, s, "user1", 10)
		_, err := debit(s, "user1", 2, "job1")
		require.NoError(t, err)

		require.NoError(t, s.DeleteAccount(ctx, "user1"))

		_, err = s.GetAccount(ctx, "user1")
		assert.ErrorIs(t, err, gocredits.ErrAccountNotFound)
		tx, err := s.GetTransaction(ctx, "user1", gocredits.TransactionUsage, "job1")
		require.NoError(t, err)
		assert.Nil(t, tx)
		_, total, err := s.ListTransactions(ctx, "user1", 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 0, total)

		assert.ErrorIs(t, s.DeleteAccount(ctx, "user1"), gocredits.ErrAccountNotFound)

		// the id can be reused from scratch
		createAccount(t, s, "user1", 10)
	})

	t.Run("SubscriptionLifecycle", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		createAccount(t, s, "user1", 0)
		plan := &gocredits.Plan{Key: "pro", CreditsPerCycle: 100, ExpirationMode: gocredits.ExpirationEndOfCycle}

		activate := &gocredits.SubscriptionRequest{
			UserID: "user1", ReferenceID: "evt_1", Action: gocredits.SubscriptionActivate,
			Plan: plan, SubscriptionID: "sub_1", CustomerID: "cus_1", EventTime: Now, Now: Now,
		}
		res, err := s.ApplySubscription(ctx, activate)
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
		assert.Equal(t, gocredits.NewBalance(100, 0), res.Balance)

		res, err = s.ApplySubscription(ctx, activate)
		require.NoError(t, err)
		assert.True(t, res.Duplicate)
		assert.Equal(t, 100, res.Balance.Total)

		acct, err := s.GetAccount(ctx, "user1")
		require.NoError(t, err)
		assert.Equal(t, "pro", acct.PlanKey)
		assert.Equal(t, "sub_1", acct.SubscriptionID)
		assert.Equal(t, "cus_1", acct.CustomerID)
		assert.True(t, acct.SubscriptionEventAt.Equal(Now))
		assert.True(t, acct.CycleAnchor.Equal(Now))

		// an older event is rejected without changes
		_, err = s.ApplySubscription(ctx, &gocredits.SubscriptionRequest{
			UserID: "user1", ReferenceID: "evt_0", Action: gocredits.SubscriptionCancel,
			Plan: plan, SubscriptionID: "sub_1", EventTime: Now.Add(-time.Hour), Now: Now,
		})
		assert.ErrorIs(t, err, gocredits.ErrStaleEvent)

		_, err = debit(s, "user1", 30, "job1")
		require.NoError(t, err)
		credit(t, s, "user1", gocredits.TransactionPurchase, "pack1", 0, 5)

		// renewal expires the 70 left over and grants a fresh cycle
		renewal := &gocredits.SubscriptionRequest{
			UserID: "user1", ReferenceID: "evt_2", Action: gocredits.SubscriptionActivate,
			Plan: plan, SubscriptionID: "sub_1", EventTime: Now.Add(time.Hour), Now: Now.Add(time.Hour),
		}
		renewed, err := s.ApplySubscription(ctx, renewal)
		require.NoError(t, err)
		assert.Equal(t, gocredits.NewBalance(100, 5), renewed.Balance)
		require.Len(t, renewed.Transactions, 2)
		assert.Equal(t, gocredits.TransactionExpiration, renewed.Transactions[0].Type)
		assert.Equal(t, -70, renewed.Transactions[0].Amount)
		assert.Equal(t, gocredits.TransactionSubscription, renewed.Transactions[1].Type)
		assert.Equal(t, 100, renewed.Transactions[1].Amount)

		// a duplicate renewal returns both entries of the reference
		dup, err := s.ApplySubscription(ctx, renewal)
		require.NoError(t, err)
		assert.True(t, dup.Duplicate)
		require.Len(t, dup.Transactions, 2)
		assert.Equal(t, renewed.Transactions[0].ID, dup.Transactions[0].ID)
		assert.Equal(t, renewed.Transactions[1].ID, dup.Transactions[1].ID)

		canceled, err := s.ApplySubscription(ctx, &gocredits.SubscriptionRequest{
			UserID: "user1", ReferenceID: "evt_3", Action: gocredits.SubscriptionCancel,
			Plan: plan, SubscriptionID: "sub_1", EventTime: Now.Add(2 * time.Hour), Now: Now.Add(2 * time.Hour),
		})
		require.NoError(t, err)
		assert.Equal(t, gocredits.NewBalance(0, 5), canceled.Balance)

		acct, err = s.GetAccount(ctx, "user1")
		require.NoError(t, err)
		assert.Empty(t, acct.PlanKey)
		assert.Empty(t, acct.SubscriptionID)
		assert.Equal(t, 5, acct.PurchasedBalance)
	})

	t.Run("ConcurrentDebits", func(t *testing.T) {
		s := newStorage(t)
		createAccount(t, s, "user1", 10)

		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := debit(s, "user1", 2, fmt.Sprintf("job%d", i))
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, gocredits.ErrInsufficientCredits)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 5, succeeded)
		acct, err := s.GetAccount(context.Background(), "user1")
		require.NoError(t, err)
		assert.Equal(t, 0, acct.Total())
		_, total, err := s.ListTransactions(context.Background(), "user1", 100, 0)
		require.NoError(t, err)
		assert.Equal(t, 6, total)
	})

	t.Run("HighContentionDebits", func(t *testing.T) {
		s := newStorage(t)
		createAccount(t, s, "user1", 100)

		var (
			wg           sync.WaitGroup
			succeeded    atomic.Int32
			insufficient atomic.Int32
		)
		for i := 0; i < 150; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := debit(s, "user1", 1, fmt.Sprintf("job%d", i))
				switch {
				case err == nil:
					succeeded.Add(1)
				case errors.Is(err, gocredits.ErrInsufficientCredits):
					insufficient.Add(1)
				default:
					t.Errorf("debit job%d: %v", i, err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(100), succeeded.Load())
		assert.Equal(t, int32(50), insufficient.Load())
		acct, err := s.GetAccount(context.Background(), "user1")
		require.NoError(t, err)
		assert.Equal(t, 0, acct.Total())
		_, total, err := s.ListTransactions(context.Background(), "user1", 1, 0)
		require.NoError(t, err)
		assert.Equal(t, 101, total)
	})

	t.Run("CheckRateLimit", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		req := &gocredits.RateLimitRequest{UserID: "user1", Rate: 3, Window: time.Hour, Weight: 2, Now: Now}

		allowed, remaining, reset, err := s.CheckRateLimit(ctx, req)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, 1, remaining)
		assert.True(t, reset.Equal(Now.Add(time.Hour)), "reset %s", reset)

		req.Now = Now.Add(time.Minute)
		allowed, remaining, reset, err = s.CheckRateLimit(ctx, req)
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, 1, remaining)
		assert.True(t, reset.Equal(Now.Add(time.Hour)), "reset %s", reset)

		req.Weight = 1
		allowed, remaining, _, err = s.CheckRateLimit(ctx, req)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, 0, remaining)

		// the first entry leaves the window
		req.Now = Now.Add(time.Hour + time.Second)
		req.Weight = 2
		allowed, remaining, _, err = s.CheckRateLimit(ctx, req)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, 0, remaining)

		// other users have their own window
		allowed, _, _, err = s.CheckRateLimit(ctx, &gocredits.RateLimitRequest{
			UserID: "user2", Rate: 3, Window: time.Hour, Weight: 3, Now: Now,
		})
		require.NoError(t, err)
		assert.True(t, allowed)
	})
}

// RunEventStoreTests runs the billing event claim suite against newStore
func RunEventStoreTests(t *testing.T, newStore EventStoreFactory) {
	t.Run("ClaimLifecycle", func(t *testing.T) {
		s, advance := newStore(t)
		ctx := context.Background()

		status, err := s.ClaimEvent(ctx, "evt_1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, gocredits.ClaimAcquired, status)

		status, err = s.ClaimEvent(ctx, "evt_1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, gocredits.ClaimInProgress, status)

		// an expired lease can be taken over
		advance(2 * time.Minute)
		status, err = s.ClaimEvent(ctx, "evt_1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, gocredits.ClaimAcquired, status)

		require.NoError(t, s.CompleteEvent(ctx, "evt_1"))
		status, err = s.ClaimEvent(ctx, "evt_1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, gocredits.ClaimApplied, status)

		// releasing an applied event keeps it applied
		require.NoError(t, s.ReleaseEvent(ctx, "evt_1"))
		status, err = s.ClaimEvent(ctx, "evt_1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, gocredits.ClaimApplied, status)
	})

	t.Run("ReleaseAllowsRetry", func(t *testing.T) {
		s, _ := newStore(t)
		ctx := context.Background()

		_, err := s.ClaimEvent(ctx, "evt_2", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.ReleaseEvent(ctx, "evt_2"))

		status, err := s.ClaimEvent(ctx, "evt_2", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, gocredits.ClaimAcquired, status)

		// releasing an unknown event is a no-op
		require.NoError(t, s.ReleaseEvent(ctx, "evt_unknown"))
	})

	t.Run("ConcurrentClaims", func(t *testing.T) {
		s, _ := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		var mu sync.Mutex
		acquired := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				status, err := s.ClaimEvent(ctx, "evt_race", time.Minute)
				if err == nil && status == gocredits.ClaimAcquired {
					mu.Lock()
					acquired++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, acquired)
	})
}

// RunQuotaCounterTests runs the provider quota counter suite against newCounter
func RunQuotaCounterTests(t *testing.T, newCounter QuotaCounterFactory) {
	t.Run("ReserveReleaseAndRoll", func(t *testing.T) {
		q := newCounter(t)
		ctx := context.Background()
		limits := providers.QuotaLimits{DailyRequests: 2}

		for i := 0; i < 2; i++ {
			ok, err := q.Reserve(ctx, "replicate", limits, Now)
			require.NoError(t, err)
			assert.True(t, ok)
		}
		ok, err := q.Reserve(ctx, "replicate", limits, Now)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, q.Release(ctx, "replicate", Now))
		require.NoError(t, q.AddCredits(ctx, "replicate", 7, Now))

		usage, err := q.Usage(ctx, "replicate", Now)
		require.NoError(t, err)
		assert.Equal(t, 1, usage.TodayRequests)
		assert.Equal(t, 1, usage.MonthRequests)
		assert.Equal(t, 7, usage.MonthCredits)
		assert.True(t, usage.DailyResetAt.Equal(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)))
		assert.True(t, usage.MonthlyResetAt.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)))

		// the next day rolls the daily counter only
		tomorrow := Now.Add(24 * time.Hour)
		usage, err = q.Usage(ctx, "replicate", tomorrow)
		require.NoError(t, err)
		assert.Equal(t, 0, usage.TodayRequests)
		assert.Equal(t, 1, usage.MonthRequests)
		assert.Equal(t, 7, usage.MonthCredits)

		// the next month rolls everything
		usage, err = q.Usage(ctx, "replicate", time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Equal(t, 0, usage.MonthRequests)
		assert.Equal(t, 0, usage.MonthCredits)
	})

	t.Run("MonthlyCreditsLimit", func(t *testing.T) {
		q := newCounter(t)
		ctx := context.Background()
		limits := providers.QuotaLimits{MonthlyCredits: 10}

		ok, err := q.Reserve(ctx, "fal", limits, Now)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, q.AddCredits(ctx, "fal", 10, Now))

		ok, err = q.Reserve(ctx, "fal", limits, Now)
		require.NoError(t, err)
		assert.False(t, ok)

		// other providers are counted apart
		ok, err = q.Reserve(ctx, "replicate", limits, Now)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Reset", func(t *testing.T) {
		q := newCounter(t)
		ctx := context.Background()

		ok, err := q.Reserve(ctx, "replicate", providers.QuotaLimits{}, Now)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, q.AddCredits(ctx, "replicate", 3, Now))

		require.NoError(t, q.Reset(ctx, "replicate", providers.PeriodDaily))
		usage, err := q.Usage(ctx, "replicate", Now)
		require.NoError(t, err)
		assert.Equal(t, 0, usage.TodayRequests)
		assert.Equal(t, 1, usage.MonthRequests)

		require.NoError(t, q.Reset(ctx, "replicate", providers.PeriodMonthly))
		usage, err = q.Usage(ctx, "replicate", Now)
		require.NoError(t, err)
		assert.Equal(t, 0, usage.MonthRequests)
		assert.Equal(t, 0, usage.MonthCredits)

		require.NoError(t, q.Reset(ctx, "unknown", providers.PeriodDaily))
	})

	t.Run("ConcurrentReserve", func(t *testing.T) {
		q := newCounter(t)
		ctx := context.Background()
		limits := providers.QuotaLimits{DailyRequests: 5}

		var wg sync.WaitGroup
		var mu sync.Mutex
		reserved := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := q.Reserve(ctx, "replicate", limits, Now)
				if err == nil && ok {
					mu.Lock()
					reserved++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 5, reserved)
	})
}
