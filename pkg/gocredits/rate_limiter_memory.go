package gocredits

import (
	"context"
	"sync"
	"time"
)

// MemoryRateLimiter implements a weighted sliding window in memory.
// This is useful for single-instance deployments or when storage is unavailable.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*slidingWindowState
	now     func() time.Time
}

type windowEntry struct {
	at     time.Time
	weight int
}

type slidingWindowState struct {
	mu      sync.Mutex
	entries []windowEntry
}

// NewMemoryRateLimiter creates a new in-memory rate limiter
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return NewMemoryRateLimiterWithClock(time.Now)
}

// NewMemoryRateLimiterWithClock creates an in-memory rate limiter reading time from now
func NewMemoryRateLimiterWithClock(now func() time.Time) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		windows: make(map[string]*slidingWindowState),
		now:     now,
	}
}

// Allow checks and records weight requests for userID
func (r *MemoryRateLimiter) Allow(_ context.Context, userID string, weight int, config RateLimitConfig) (bool, *RateLimitInfo, error) {
	allowed, remaining, reset := r.AllowAt(userID, weight, config.Rate, config.Window, r.now().UTC())
	return allowed, &RateLimitInfo{
		Remaining: remaining,
		ResetTime: reset,
		Limit:     config.Rate,
	}, nil
}

// AllowAt is the clock-free form of Allow used by storage backends.
// Returns (allowed, remaining, resetTime).
func (r *MemoryRateLimiter) AllowAt(key string, weight, rate int, window time.Duration, now time.Time) (bool, int, time.Time) {
	if weight <= 0 {
		weight = 1
	}

	r.mu.Lock()
	state, ok := r.windows[key]
	if !ok {
		state = &slidingWindowState{}
		r.windows[key] = state
	}
	r.mu.Unlock()

	state.mu.Lock()
	defer state.mu.Unlock()

	cutoff := now.Add(-window)
	kept := state.entries[:0]
	used := 0
	for _, e := range state.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
			used += e.weight
		}
	}
	state.entries = kept

	reset := now.Add(window)
	if len(state.entries) > 0 {
		reset = state.entries[0].at.Add(window)
	}

	if used+weight > rate {
		remaining := rate - used
		if remaining < 0 {
			remaining = 0
		}
		return false, remaining, reset
	}

	state.entries = append(state.entries, windowEntry{at: now, weight: weight})
	if len(state.entries) == 1 {
		reset = now.Add(window)
	}
	return true, rate - used - weight, reset
}

// Reset forgets every window for key
func (r *MemoryRateLimiter) Reset(key string) {
	r.mu.Lock()
	delete(r.windows, key)
	r.mu.Unlock()
}
