// Package postgres provides a PostgreSQL implementation of the gocredits.Storage interface.
// Balance mutations run in SQL transactions that hold the account row with SELECT FOR UPDATE;
// the unique (user_id, type, reference_id) constraint backs the idempotency check.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

//go:embed schema.sql
var schema string

// Storage implements gocredits.Storage, gocredits.EventStore and providers.QuotaCounter
// using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate creates the tables on startup when they are missing
	AutoMigrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	AppliedEventTTL time.Duration // How long applied billing event ids are kept

	// Now returns the current time for event leases (default: time.Now)
	Now func() time.Time

	// Logger reports background cleanup failures (default: NoopLogger)
	Logger gocredits.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		AppliedEventTTL: 30 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = &gocredits.NoopLogger{}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			cancel()
			pool.Close()
			return nil, err
		}
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the ledger tables if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Storage) now() time.Time {
	return s.config.Now().UTC()
}

// startCleanup runs periodic cleanup until Close is called
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil {
				s.config.Logger.Warn("postgres cleanup failed", gocredits.F("error", err))
			}
		}
	}
}

// Cleanup deletes applied billing events older than AppliedEventTTL
func (s *Storage) Cleanup(ctx context.Context) error {
	if s.config.AppliedEventTTL <= 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM billing_events WHERE applied AND applied_at < $1`,
		s.now().Add(-s.config.AppliedEventTTL))
	if err != nil {
		return fmt.Errorf("failed to cleanup billing events: %w", err)
	}
	return nil
}

// storageError marks err as a backend failure while keeping it inspectable
func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", gocredits.ErrStorageUnavailable, op, err)
}

// nullTime stores the zero time as NULL
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
