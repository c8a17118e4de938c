package router

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	StateClosed   CircuitState = iota // healthy, requests flow
	StateOpen                         // unhealthy, requests blocked
	StateHalfOpen                     // probing, one request allowed
)

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

// CircuitBreaker guards one completion provider. Consecutive failures open
// the circuit; after the probe interval a single request is let through and
// its outcome closes or reopens it.
type CircuitBreaker struct {
	mu sync.Mutex

	state        CircuitState
	failures     int
	openedAt     time.Time
	probeStarted time.Time

	failureThreshold      int
	recoveryProbeInterval time.Duration
	now                   func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given thresholds.
func NewCircuitBreaker(failureThreshold int, recoveryProbeInterval time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	return &CircuitBreaker{
		state:                 StateClosed,
		failureThreshold:      failureThreshold,
		recoveryProbeInterval: recoveryProbeInterval,
		now:                   time.Now,
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// currentState transitions OPEN→HALF_OPEN once the probe interval elapsed.
// Must be called with mu held.
func (cb *CircuitBreaker) currentState() CircuitState {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.recoveryProbeInterval {
		cb.state = StateHalfOpen
		cb.probeStarted = time.Time{}
	}
	return cb.state
}

// Allow reports whether a request may be sent. In the half-open state only
// one probe is admitted per probe interval; a probe whose outcome is never
// recorded stops blocking once the interval passes.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		return true
	case StateHalfOpen:
		now := cb.now()
		if !cb.probeStarted.IsZero() && now.Sub(cb.probeStarted) < cb.recoveryProbeInterval {
			return false
		}
		cb.probeStarted = now
		return true
	}
	return false
}

// RecordSuccess closes the circuit and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probeStarted = time.Time{}
}

// RecordFailure counts a failed request, opening the circuit at the
// threshold or immediately when a probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.currentState() {
	case StateClosed:
		if cb.failures >= cb.failureThreshold {
			cb.open()
		}
	case StateHalfOpen:
		cb.open()
	}
}

func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.probeStarted = time.Time{}
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probeStarted = time.Time{}
}
