package delivery

import (
	"sync"
	"time"
)

// CircuitBreakerState is the breaker's current mode.
type CircuitBreakerState int32

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards shared-store round-trips. While open, callers skip
// the store entirely and take the degraded path (treat the recipient as
// unreachable, queue the message) instead of stacking timeouts on a backend
// that is already down.
type CircuitBreaker struct {
	threshold int64
	cooldown  time.Duration

	mu       sync.Mutex
	state    CircuitBreakerState
	failures int64
	openedAt time.Time

	now func() time.Time // test hook
}

// NewCircuitBreaker trips open after threshold consecutive failures and
// tries a request again (half-open) after cooldownSeconds.
func NewCircuitBreaker(threshold, cooldownSeconds int) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: int64(threshold),
		cooldown:  time.Duration(cooldownSeconds) * time.Second,
		state:     CircuitBreakerClosed,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. When the cooldown has elapsed on
// an open breaker, one trial request is let through in half-open state.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitBreakerClosed, CircuitBreakerHalfOpen:
		return true
	case CircuitBreakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			cb.state = CircuitBreakerHalfOpen
			return true
		}
		return false
	}
	return true
}

// RecordFailure counts a failed call; at the threshold, or on any failure in
// half-open state, the breaker opens.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.state == CircuitBreakerHalfOpen || cb.failures >= cb.threshold {
		cb.state = CircuitBreakerOpen
		cb.openedAt = cb.now()
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = CircuitBreakerClosed
}

// State returns the current mode.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
