package main

import (
	"context"
	"fmt"

	gcfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
	"github.com/mihaimyh/gocredits/pkg/providers"
	"github.com/mihaimyh/gocredits/storage/firestore"
	"github.com/mihaimyh/gocredits/storage/memory"
	"github.com/mihaimyh/gocredits/storage/postgres"
	"github.com/mihaimyh/gocredits/storage/redis"
)

// backend is what the server needs from a storage package
type backend interface {
	gocredits.Storage
	gocredits.EventStore
	providers.QuotaCounter
}

var (
	_ backend = (*memory.Storage)(nil)
	_ backend = (*redis.Storage)(nil)
	_ backend = (*postgres.Storage)(nil)
	_ backend = (*firestore.Storage)(nil)
)

// openStorage connects the configured backend. The returned func releases its connections.
func openStorage(ctx context.Context, cfg *Config, logger gocredits.Logger) (backend, func(), error) {
	switch cfg.Storage {
	case "memory":
		return memory.New(), func() {}, nil

	case "redis":
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		s, err := redis.New(client, redis.DefaultConfig())
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	case "postgres":
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.PostgresURL
		pgCfg.Logger = logger
		s, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case "firestore":
		client, err := gcfirestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, fmt.Errorf("create firestore client: %w", err)
		}
		s, err := firestore.New(client, firestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, func() { _ = client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage %q", cfg.Storage)
}
