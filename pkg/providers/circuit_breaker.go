package providers

import (
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// CircuitBreakerConfig configures a provider's circuit breaker
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker (default: 5)
	FailureThreshold int `yaml:"failure_threshold"`

	// ResetTimeout is how long the breaker stays open before letting a trial call through (default: 30s)
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// CircuitBreaker stops dispatching to a provider after repeated failures.
// Once ResetTimeout has passed the breaker is half-open and lets exactly one trial call through.
type CircuitBreaker struct {
	mu sync.Mutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	openedAt            time.Time
	probing             bool

	now           func() time.Time
	onStateChange func(state CircuitBreakerState)
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig, onStateChange func(state CircuitBreakerState)) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: config.FailureThreshold,
		resetTimeout:     config.ResetTimeout,
		now:              time.Now,
		onStateChange:    onStateChange,
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.changeState(StateHalfOpen)
	}
	return cb.state
}

// Allow reports whether a call may go through and, in the half-open state, reserves the trial call.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateOpen:
		return false
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.Failure()
		return err
	}
	cb.Success()
	return nil
}

// Success records a successful call.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	cb.consecutiveFailures = 0
	cb.changeState(StateClosed)
}

// Failure records a failed call.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	state := cb.currentState()
	if state == StateHalfOpen || (state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold) {
		cb.probing = false
		cb.openedAt = cb.now()
		cb.changeState(StateOpen)
	}
}

func (cb *CircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

// release gives back a half-open trial call that was reserved but never used
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}
