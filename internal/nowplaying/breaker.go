package nowplaying

import (
	"sync"
	"time"
)

// CircuitState represents the state of the poll circuit breaker
type CircuitState int

const (
	// StateClosed indicates the circuit is closed (normal polling)
	StateClosed CircuitState = iota
	// StateOpen indicates the circuit is open (polls suppressed)
	StateOpen
	// StateHalfOpen indicates the circuit is probing for recovery
	StateHalfOpen
)

// String returns the string representation of CircuitState
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker suppresses polling of a failing upstream. After
// failureThreshold consecutive failures the circuit opens; once
// resetTimeout has elapsed a single probe is allowed, and its outcome
// closes or re-opens the circuit.
type CircuitBreaker struct {
	failureThreshold int
	resetTimeout     time.Duration

	mu              sync.Mutex
	state           CircuitState
	failures        int
	lastFailureTime time.Time
	nowFunc         func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given threshold and reset timeout
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            StateClosed,
		nowFunc:          time.Now,
	}
}

// CanAttempt reports whether a call is currently allowed
func (cb *CircuitBreaker) CanAttempt() bool {
	state := cb.State()
	return state == StateClosed || state == StateHalfOpen
}

// RecordSuccess records a successful operation
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.state = StateClosed
	}
}

// RecordFailure records a failed operation
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailureTime = cb.nowFunc()
	if cb.failures >= cb.failureThreshold || cb.state == StateHalfOpen {
		cb.state = StateOpen
	}
}

// State returns the current state, transitioning Open to HalfOpen once
// the reset timeout has elapsed
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.nowFunc().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		cb.state = StateHalfOpen
		cb.failures = 0
	}
	return cb.state
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset returns the circuit breaker to its initial closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.lastFailureTime = time.Time{}
}
