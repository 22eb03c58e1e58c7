package providers

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, timeout time.Duration, onChange func(CircuitBreakerState)) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: threshold, ResetTimeout: timeout}, onChange)
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{}, nil)
	assert.Equal(t, 5, cb.failureThreshold)
	assert.Equal(t, 30*time.Second, cb.resetTimeout)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	var states []CircuitBreakerState
	cb, _ := newTestBreaker(3, time.Minute, func(s CircuitBreakerState) {
		states = append(states, s)
	})
	fail := errors.New("fail")

	for i := 0; i < 2; i++ {
		err := cb.Execute(func() error { return fail })
		assert.Equal(t, fail, err)
		assert.Equal(t, StateClosed, cb.State())
	}

	err := cb.Execute(func() error { return fail })
	assert.Equal(t, fail, err)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err = cb.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, []CircuitBreakerState{StateOpen}, states)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Minute, nil)

	cb.Failure()
	cb.Success()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State())

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenTrialCall(t *testing.T) {
	var states []CircuitBreakerState
	cb, clock := newTestBreaker(1, 30*time.Second, func(s CircuitBreakerState) {
		states = append(states, s)
	})

	cb.Failure()
	assert.False(t, cb.Allow())

	clock.Advance(30 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	// one trial call only
	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow())

	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
	assert.Equal(t, []CircuitBreakerState{StateOpen, StateHalfOpen, StateClosed}, states)
}

func TestCircuitBreaker_FailedTrialReopens(t *testing.T) {
	cb, clock := newTestBreaker(3, 10*time.Second, nil)

	for i := 0; i < 3; i++ {
		cb.Failure()
	}
	clock.Advance(10 * time.Second)
	assert.True(t, cb.Allow())

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	clock.Advance(5 * time.Second)
	assert.Equal(t, StateOpen, cb.State())
	clock.Advance(5 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestCircuitBreaker_ReleaseReturnsTrialCall(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second, nil)

	cb.Failure()
	clock.Advance(time.Second)
	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow())

	cb.release()
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_ConcurrentTrialCall(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second, nil)
	cb.Failure()
	clock.Advance(time.Second)

	var allowed int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.Allow() {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), allowed)
}
