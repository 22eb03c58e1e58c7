package gocredits

import (
	"context"
	"time"
)

// StorageRateLimiter implements rate limiting using the Storage interface.
// This allows for distributed rate limiting across multiple instances.
type StorageRateLimiter struct {
	storage Storage
	logger  Logger
}

// NewStorageRateLimiter creates a new storage-backed rate limiter
func NewStorageRateLimiter(storage Storage) *StorageRateLimiter {
	return &StorageRateLimiter{
		storage: storage,
		logger:  &NoopLogger{},
	}
}

// WithLogger sets the logger used to report storage failures
func (r *StorageRateLimiter) WithLogger(logger Logger) *StorageRateLimiter {
	r.logger = logger
	return r
}

// Allow checks and records weight requests using storage
func (r *StorageRateLimiter) Allow(ctx context.Context, userID string, weight int, config RateLimitConfig) (bool, *RateLimitInfo, error) {
	now := time.Now().UTC()

	allowed, remaining, resetTime, err := r.storage.CheckRateLimit(ctx, &RateLimitRequest{
		UserID: userID,
		Rate:   config.Rate,
		Window: config.Window,
		Weight: weight,
		Now:    now,
	})
	if err != nil {
		// a storage outage must not block legitimate requests
		r.logger.Warn("rate limit check failed, allowing request",
			F("user_id", userID),
			F("error", err),
		)
		return true, &RateLimitInfo{
			Remaining: config.Rate,
			ResetTime: now.Add(config.Window),
			Limit:     config.Rate,
		}, nil
	}

	return allowed, &RateLimitInfo{
		Remaining: remaining,
		ResetTime: resetTime,
		Limit:     config.Rate,
	}, nil
}
