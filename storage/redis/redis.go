// Package redis provides a Redis implementation of the gocredits.Storage interface.
// Every account write, rate limit check, event claim and provider quota update runs as
// one Lua script over keys sharing the user's hash tag.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// Storage implements gocredits.Storage, gocredits.EventStore and providers.QuotaCounter using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gocredits:")
	KeyPrefix string

	// MaxRetryInterval caps the wait between retries of a commit that lost a race
	// with another writer. Retries continue until the context ends (default: 50ms)
	MaxRetryInterval time.Duration

	// AppliedEventTTL is how long applied billing event ids are remembered (0 = forever)
	AppliedEventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:        "gocredits:",
		MaxRetryInterval: 50 * time.Millisecond,
		AppliedEventTTL:  30 * 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "gocredits:"
	}
	if config.MaxRetryInterval <= 0 {
		config.MaxRetryInterval = 50 * time.Millisecond
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts compiles the Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Account commit. KEYS: account, log, references. ARGV: expected account
	// ("" = absent), new account, reference field ("" = none), then field/transaction pairs.
	// Returns {0} applied, {1, account} duplicate, {2, account} conflict.
	s.scripts["commit"] = redis.NewScript(`
		local current = redis.call('GET', KEYS[1]) or ''
		if ARGV[3] ~= '' and redis.call('HEXISTS', KEYS[3], ARGV[3]) == 1 then
			return {1, current}
		end
		if current ~= ARGV[1] then
			return {2, current}
		end

		redis.call('SET', KEYS[1], ARGV[2])
		for i = 4, #ARGV, 2 do
			redis.call('RPUSH', KEYS[2], ARGV[i + 1])
			redis.call('HSET', KEYS[3], ARGV[i], ARGV[i + 1])
		end
		return {0, ''}
	`)

	// Weighted sliding window: one sorted set member per unit of weight
	s.scripts["slidingWindow"] = redis.NewScript(`
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local limit = tonumber(ARGV[2])
		local window = tonumber(ARGV[3])
		local weight = tonumber(ARGV[4])
		local nonce = ARGV[5]

		redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
		local used = redis.call('ZCARD', key)

		local resetTime = now + window
		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		if oldest and #oldest >= 2 then
			resetTime = tonumber(oldest[2]) + window
		end

		if used + weight > limit then
			local remaining = limit - used
			if remaining < 0 then
				remaining = 0
			end
			return {0, remaining, resetTime}
		end

		for i = 1, weight do
			redis.call('ZADD', key, now, nonce .. ':' .. i)
		end
		redis.call('PEXPIRE', key, window)

		return {1, limit - used - weight, resetTime}
	`)

	// Event claim: 0 acquired, 1 applied, 2 leased by someone else
	s.scripts["claimEvent"] = redis.NewScript(`
		local state = redis.call('GET', KEYS[1])
		if state == 'applied' then
			return 1
		end
		if state then
			return 2
		end
		redis.call('SET', KEYS[1], 'leased', 'PX', ARGV[1])
		return 0
	`)

	s.scripts["releaseEvent"] = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == 'leased' then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)

	// Provider quota counters. Rolls expired periods, then applies ARGV[1].
	s.scripts["quota"] = redis.NewScript(`
		local key = KEYS[1]
		local op = ARGV[1]
		local now = tonumber(ARGV[2])

		local vals = redis.call('HMGET', key, 'day_requests', 'day_reset', 'month_requests', 'month_credits', 'month_reset')
		local dayRequests = tonumber(vals[1]) or 0
		local dayReset = tonumber(vals[2]) or 0
		local monthRequests = tonumber(vals[3]) or 0
		local monthCredits = tonumber(vals[4]) or 0
		local monthReset = tonumber(vals[5]) or 0

		if now >= dayReset then
			dayRequests = 0
			dayReset = tonumber(ARGV[3])
		end
		if now >= monthReset then
			monthRequests = 0
			monthCredits = 0
			monthReset = tonumber(ARGV[4])
		end

		local ok = 1
		if op == 'reserve' then
			local dailyLimit = tonumber(ARGV[5])
			local monthlyLimit = tonumber(ARGV[6])
			local creditLimit = tonumber(ARGV[7])
			if (dailyLimit > 0 and dayRequests >= dailyLimit) or
				(monthlyLimit > 0 and monthRequests >= monthlyLimit) or
				(creditLimit > 0 and monthCredits >= creditLimit) then
				ok = 0
			else
				dayRequests = dayRequests + 1
				monthRequests = monthRequests + 1
			end
		elseif op == 'release' then
			if dayRequests > 0 then
				dayRequests = dayRequests - 1
			end
			if monthRequests > 0 then
				monthRequests = monthRequests - 1
			end
		elseif op == 'credits' then
			monthCredits = monthCredits + tonumber(ARGV[8])
		end

		redis.call('HSET', key,
			'day_requests', dayRequests, 'day_reset', dayReset,
			'month_requests', monthRequests, 'month_credits', monthCredits, 'month_reset', monthReset)

		return {ok, dayRequests, dayReset, monthRequests, monthCredits, monthReset}
	`)
}

// Keys holding one user's data share a hash tag so they land in the same cluster slot

func (s *Storage) accountKey(userID string) string {
	return fmt.Sprintf("%saccount:{%s}", s.config.KeyPrefix, userID)
}

func (s *Storage) txLogKey(userID string) string {
	return fmt.Sprintf("%stxlog:{%s}", s.config.KeyPrefix, userID)
}

func (s *Storage) txRefKey(userID string) string {
	return fmt.Sprintf("%stxref:{%s}", s.config.KeyPrefix, userID)
}

func (s *Storage) rateLimitKey(userID string) string {
	return fmt.Sprintf("%sratelimit:{%s}", s.config.KeyPrefix, userID)
}

func (s *Storage) eventKey(eventID string) string {
	return fmt.Sprintf("%sevent:%s", s.config.KeyPrefix, eventID)
}

func (s *Storage) quotaKey(provider string) string {
	return fmt.Sprintf("%squota:%s", s.config.KeyPrefix, provider)
}

// storageError marks err as a backend failure while keeping it inspectable
func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", gocredits.ErrStorageUnavailable, op, err)
}

// Now returns the Redis server time in UTC
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, storageError("read server time", err)
	}
	return t.UTC(), nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
