//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
	"github.com/mihaimyh/gocredits/pkg/providers"
	"github.com/mihaimyh/gocredits/storage/storagetest"
)

// setupPostgresTestDB starts a PostgreSQL container and returns its connection string
func setupPostgresTestDB(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("gocredits_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

// clock is a settable time source shared with the storage under test
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestStorage connects to connStr and empties every table
func newTestStorage(t *testing.T, connStr string, now func() time.Time) *Storage {
	t.Helper()

	config := DefaultConfig()
	config.ConnectionString = connStr
	config.CleanupEnabled = false
	config.Now = now

	ctx := context.Background()
	s, err := New(ctx, config)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, err = s.pool.Exec(ctx, `TRUNCATE credit_accounts, credit_transactions, rate_limit_entries,
		billing_events, provider_quotas`)
	require.NoError(t, err)
	return s
}

func TestPostgresStorage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	connStr := setupPostgresTestDB(t)

	t.Run("Storage", func(t *testing.T) {
		storagetest.RunStorageTests(t, func(t *testing.T) gocredits.Storage {
			return newTestStorage(t, connStr, time.Now)
		})
	})

	t.Run("EventStore", func(t *testing.T) {
		storagetest.RunEventStoreTests(t, func(t *testing.T) (gocredits.EventStore, func(time.Duration)) {
			c := &clock{now: storagetest.Now}
			return newTestStorage(t, connStr, c.Now), c.Advance
		})
	})

	t.Run("QuotaCounter", func(t *testing.T) {
		storagetest.RunQuotaCounterTests(t, func(t *testing.T) providers.QuotaCounter {
			return newTestStorage(t, connStr, time.Now)
		})
	})

	t.Run("Cleanup", func(t *testing.T) {
		c := &clock{now: storagetest.Now}
		s := newTestStorage(t, connStr, c.Now)
		ctx := context.Background()

		require.NoError(t, s.CompleteEvent(ctx, "evt_old"))
		c.Advance(31 * 24 * time.Hour)
		require.NoError(t, s.CompleteEvent(ctx, "evt_new"))

		require.NoError(t, s.Cleanup(ctx))

		status, err := s.ClaimEvent(ctx, "evt_old", time.Minute)
		require.NoError(t, err)
		require.Equal(t, gocredits.ClaimAcquired, status)
		status, err = s.ClaimEvent(ctx, "evt_new", time.Minute)
		require.NoError(t, err)
		require.Equal(t, gocredits.ClaimApplied, status)
	})
}
