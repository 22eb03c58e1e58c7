package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
	"github.com/mihaimyh/gocredits/pkg/providers"
	"github.com/mihaimyh/gocredits/storage/storagetest"
)

var (
	_ gocredits.Storage      = (*Storage)(nil)
	_ gocredits.EventStore   = (*Storage)(nil)
	_ providers.QuotaCounter = (*Storage)(nil)
)

// setupTestRedis starts an in-process Redis and returns a storage on top of it
func setupTestRedis(t *testing.T) (*Storage, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s, err := New(client, DefaultConfig())
	require.NoError(t, err)
	return s, mr
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		client     redis.UniversalClient
		config     Config
		wantErr    bool
		wantPrefix string
	}{
		{
			name:    "nil client",
			client:  nil,
			config:  DefaultConfig(),
			wantErr: true,
		},
		{
			name:       "defaults filled in",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{},
			wantPrefix: "gocredits:",
		},
		{
			name:       "custom prefix kept",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{KeyPrefix: "test:", MaxRetryInterval: time.Millisecond},
			wantPrefix: "test:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.client, tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrefix, s.config.KeyPrefix)
			assert.Positive(t, s.config.MaxRetryInterval)
			assert.Len(t, s.scripts, 5)
		})
	}
}

func TestStorage_Conformance(t *testing.T) {
	storagetest.RunStorageTests(t, func(t *testing.T) gocredits.Storage {
		s, _ := setupTestRedis(t)
		return s
	})
}

func TestStorage_EventStoreConformance(t *testing.T) {
	storagetest.RunEventStoreTests(t, func(t *testing.T) (gocredits.EventStore, func(time.Duration)) {
		s, mr := setupTestRedis(t)
		return s, mr.FastForward
	})
}

func TestStorage_QuotaCounterConformance(t *testing.T) {
	storagetest.RunQuotaCounterTests(t, func(t *testing.T) providers.QuotaCounter {
		s, _ := setupTestRedis(t)
		return s
	})
}

func TestStorage_KeysShareHashTag(t *testing.T) {
	s, mr := setupTestRedis(t)
	ctx := context.Background()

	_, _, err := s.CreateAccount(ctx, &gocredits.CreateAccountRequest{UserID: "user1", FreeCredits: 5, Now: time.Now()})
	require.NoError(t, err)

	assert.True(t, mr.Exists("gocredits:account:{user1}"))
	assert.True(t, mr.Exists("gocredits:txlog:{user1}"))
	assert.True(t, mr.Exists("gocredits:txref:{user1}"))
}

func TestStorage_CommitRejectsChangedAccount(t *testing.T) {
	s, mr := setupTestRedis(t)
	ctx := context.Background()

	_, _, err := s.CreateAccount(ctx, &gocredits.CreateAccountRequest{UserID: "user1", FreeCredits: 5, Now: time.Now()})
	require.NoError(t, err)
	stored, err := mr.Get("gocredits:account:{user1}")
	require.NoError(t, err)

	acct, err := decodeAccount(stored)
	require.NoError(t, err)
	acct.PurchasedBalance = 1

	code, current, err := s.commit(ctx, "user1", `{"user_id":"user1"}`, acct, nil, "")
	require.NoError(t, err)
	assert.Equal(t, commitConflict, code)
	assert.Equal(t, stored, current)

	code, _, err = s.commit(ctx, "user1", stored, acct, nil, refField(gocredits.TransactionBonus, gocredits.SignupReference("user1")))
	require.NoError(t, err)
	assert.Equal(t, commitDuplicate, code)

	code, _, err = s.commit(ctx, "user1", stored, acct, nil, "")
	require.NoError(t, err)
	assert.Equal(t, commitApplied, code)

	got, err := s.GetAccount(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.PurchasedBalance)
}

func TestStorage_ContendedDebitsAllSucceed(t *testing.T) {
	s, _ := setupTestRedis(t)
	ctx := context.Background()

	_, _, err := s.CreateAccount(ctx, &gocredits.CreateAccountRequest{UserID: "u", FreeCredits: 100, Now: time.Now()})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Debit(ctx, &gocredits.DebitRequest{
				UserID: "u", Amount: 1, Type: gocredits.TransactionUsage, ReferenceID: fmt.Sprintf("job%d", i), Now: time.Now(),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	acct, err := s.GetAccount(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 0, acct.Total())
}

func TestStorage_MutationStopsWithContext(t *testing.T) {
	s, _ := setupTestRedis(t)
	_, _, err := s.CreateAccount(context.Background(), &gocredits.CreateAccountRequest{UserID: "u", FreeCredits: 5, Now: time.Now()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Debit(ctx, &gocredits.DebitRequest{
		UserID: "u", Amount: 1, Type: gocredits.TransactionUsage, ReferenceID: "job1", Now: time.Now(),
	})
	assert.ErrorIs(t, err, gocredits.ErrStorageUnavailable)
}

func TestStorage_AppliedEventTTL(t *testing.T) {
	s, mr := setupTestRedis(t)
	ctx := context.Background()

	_, err := s.ClaimEvent(ctx, "evt_1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("gocredits:event:evt_1"))

	require.NoError(t, s.CompleteEvent(ctx, "evt_1"))
	assert.Equal(t, 30*24*time.Hour, mr.TTL("gocredits:event:evt_1"))
}

func TestStorage_RateLimitKeyExpires(t *testing.T) {
	s, mr := setupTestRedis(t)
	ctx := context.Background()

	allowed, _, _, err := s.CheckRateLimit(ctx, &gocredits.RateLimitRequest{
		UserID: "user1", Rate: 10, Window: time.Hour, Weight: 4, Now: time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, allowed)

	members, err := mr.ZMembers("gocredits:ratelimit:{user1}")
	require.NoError(t, err)
	assert.Len(t, members, 4)
	assert.Equal(t, time.Hour, mr.TTL("gocredits:ratelimit:{user1}"))
}

func TestStorage_CheckRateLimitUsesServerTime(t *testing.T) {
	s, _ := setupTestRedis(t)

	allowed, remaining, reset, err := s.CheckRateLimit(context.Background(), &gocredits.RateLimitRequest{
		UserID: "user1", Rate: 2, Window: time.Minute, Weight: 1,
	})
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 1, remaining)
	assert.WithinDuration(t, time.Now().Add(time.Minute), reset, 5*time.Second)
}

func TestStorage_ConnectionFailure(t *testing.T) {
	s, mr := setupTestRedis(t)
	mr.Close()

	_, err := s.GetAccount(context.Background(), "user1")
	assert.ErrorIs(t, err, gocredits.ErrStorageUnavailable)

	_, err = s.ClaimEvent(context.Background(), "evt_1", time.Minute)
	assert.ErrorIs(t, err, gocredits.ErrStorageUnavailable)

	_, err = s.Reserve(context.Background(), "replicate", providers.QuotaLimits{}, time.Now())
	assert.ErrorIs(t, err, gocredits.ErrStorageUnavailable)
}

func TestStorage_Now(t *testing.T) {
	s, _ := setupTestRedis(t)

	serverTime, err := s.Now(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.UTC, serverTime.Location())
	assert.WithinDuration(t, time.Now(), serverTime, 5*time.Second)
}
