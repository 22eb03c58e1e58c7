package gocredits

import (
	"context"
	"time"
)

// DefaultRateWindow is the counting window of the hourly request limit
const DefaultRateWindow = time.Hour

// RateLimiter defines the interface for rate limiting implementations
type RateLimiter interface {
	// Allow checks whether weight more requests fit in the user's sliding window and
	// records them when they do.
	// Returns (allowed, rateLimitInfo, error).
	Allow(ctx context.Context, userID string, weight int, config RateLimitConfig) (bool, *RateLimitInfo, error)
}

// NewRateLimiter returns a storage-backed limiter, or an in-memory one when storage is nil
// or useMemory is set
func NewRateLimiter(storage Storage, useMemory bool) RateLimiter {
	if storage != nil && !useMemory {
		return NewStorageRateLimiter(storage)
	}
	return NewMemoryRateLimiter()
}

// RequestLimiter enforces the per-plan batch and hourly ceilings before any credits are reserved
type RequestLimiter struct {
	limiter RateLimiter
	catalog *PlanCatalog
	window  time.Duration
	metrics Metrics
	logger  Logger
}

// RequestLimiterConfig configures a RequestLimiter
type RequestLimiterConfig struct {
	// Window is the counting window for HourlyLimit (default: 1h)
	Window time.Duration

	Metrics Metrics
	Logger  Logger
}

// NewRequestLimiter creates a limiter over the catalog's limit table
func NewRequestLimiter(limiter RateLimiter, catalog *PlanCatalog, config RequestLimiterConfig) *RequestLimiter {
	if config.Window <= 0 {
		config.Window = DefaultRateWindow
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	return &RequestLimiter{
		limiter: limiter,
		catalog: catalog,
		window:  config.Window,
		metrics: config.Metrics,
		logger:  config.Logger,
	}
}

// Check rejects batches above the plan's batch limit with *BatchLimitExceededError and
// batches that do not fit in the hourly window with *RateLimitExceededError.
// Each image in the batch counts as one request. planKey "" selects the default limits.
func (r *RequestLimiter) Check(ctx context.Context, userID, planKey string, batchSize int) (*RateLimitInfo, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	limits := r.catalog.LimitsFor(planKey)
	if batchSize > limits.BatchLimit {
		return nil, &BatchLimitExceededError{Limit: limits.BatchLimit, Requested: batchSize}
	}

	label := planKey
	if label == "" {
		label = "default"
	}

	start := time.Now()
	allowed, info, err := r.limiter.Allow(ctx, userID, batchSize, RateLimitConfig{
		Rate:   limits.HourlyLimit,
		Window: r.window,
	})
	r.metrics.RecordRateLimitCheck(label, allowed, time.Since(start))
	if err != nil {
		return nil, err
	}
	if !allowed {
		r.logger.Debug("hourly limit reached",
			F("user_id", userID),
			F("plan", label),
			F("limit", limits.HourlyLimit),
		)
		return info, &RateLimitExceededError{Info: info}
	}
	return info, nil
}
