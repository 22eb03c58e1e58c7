package gocredits_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
	"github.com/mihaimyh/gocredits/storage/memory"
)

func TestMemoryRateLimiter_WeightedWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter := gocredits.NewMemoryRateLimiterWithClock(func() time.Time { return now })
	ctx := context.Background()
	cfg := gocredits.RateLimitConfig{Rate: 10, Window: time.Hour}

	allowed, info, err := limiter.Allow(ctx, "user1", 6, cfg)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 4, info.Remaining)

	now = now.Add(30 * time.Minute)
	allowed, info, err = limiter.Allow(ctx, "user1", 5, cfg)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 4, info.Remaining)
	assert.Equal(t, time.Date(2025, 1, 1, 13, 0, 0, 0, time.UTC), info.ResetTime)

	allowed, _, err = limiter.Allow(ctx, "user1", 4, cfg)
	require.NoError(t, err)
	assert.True(t, allowed)

	// first batch leaves the window
	now = now.Add(31 * time.Minute)
	allowed, info, err = limiter.Allow(ctx, "user1", 6, cfg)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 0, info.Remaining)

	// other users are independent
	allowed, _, err = limiter.Allow(ctx, "user2", 10, cfg)
	require.NoError(t, err)
	assert.True(t, allowed)
}

type failingStorage struct {
	gocredits.Storage
}

func (f *failingStorage) CheckRateLimit(context.Context, *gocredits.RateLimitRequest) (bool, int, time.Time, error) {
	return false, 0, time.Time{}, errors.New("connection refused")
}

func TestStorageRateLimiter_AllowsOnStorageError(t *testing.T) {
	limiter := gocredits.NewStorageRateLimiter(&failingStorage{})

	allowed, info, err := limiter.Allow(context.Background(), "user1", 1, gocredits.RateLimitConfig{Rate: 5, Window: time.Hour})
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 5, info.Remaining)
}

func TestRequestLimiter_Check(t *testing.T) {
	catalog := newTestCatalog(t)
	limiter := gocredits.NewRequestLimiter(gocredits.NewRateLimiter(memory.New(), false), catalog, gocredits.RequestLimiterConfig{})
	ctx := context.Background()

	// default row: batch 1, hourly 10
	_, err := limiter.Check(ctx, "anon", "", 2)
	var batchErr *gocredits.BatchLimitExceededError
	require.True(t, errors.As(err, &batchErr))
	assert.Equal(t, 1, batchErr.Limit)
	assert.ErrorIs(t, err, gocredits.ErrBatchLimitExceeded)

	for i := 0; i < 10; i++ {
		_, err = limiter.Check(ctx, "anon", "", 1)
		require.NoError(t, err)
	}
	info, err := limiter.Check(ctx, "anon", "", 1)
	assert.ErrorIs(t, err, gocredits.ErrRateLimitExceeded)
	require.NotNil(t, info)
	assert.Equal(t, 10, info.Limit)

	var rateErr *gocredits.RateLimitExceededError
	require.True(t, errors.As(err, &rateErr))
	assert.Greater(t, rateErr.RetryAfter(time.Now()), time.Duration(0))

	// plan limits apply by plan key
	info, err = limiter.Check(ctx, "subscriber", "hobby", 10)
	require.NoError(t, err)
	assert.Equal(t, 90, info.Remaining)
}
