package delivery

import (
	"sync"
	"time"
)

const (
	circuitStateClosed   = "closed"
	circuitStateOpen     = "open"
	circuitStateHalfOpen = "half-open"

	defaultFailureThreshold = 5
	defaultResetTimeout     = 5 * time.Minute
)

// CircuitBreaker gates delivery attempts per remote MX host: after
// failureThreshold consecutive failures it opens and refuses further
// attempts until resetTimeout has elapsed, then allows a single
// half-open probe.
type CircuitBreaker struct {
	mu               sync.Mutex
	hosts            map[string]*hostState
	failureThreshold int
	resetTimeout     time.Duration
	nowFunc          func() time.Time
}

type hostState struct {
	state               string
	consecutiveFailures int
	lastFailureTime     time.Time
}

// NewCircuitBreaker builds a CircuitBreaker. Non-positive arguments fall
// back to 5 failures / 5 minutes.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = defaultResetTimeout
	}
	return &CircuitBreaker{
		hosts:            make(map[string]*hostState),
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		nowFunc:          time.Now,
	}
}

// Allow reports whether a delivery attempt to host may proceed. Hosts
// with no recorded state are treated as closed (allowed).
func (cb *CircuitBreaker) Allow(host string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	hs, exists := cb.hosts[host]
	if !exists {
		return true
	}

	switch hs.state {
	case circuitStateClosed:
		return true
	case circuitStateOpen:
		if cb.nowFunc().Sub(hs.lastFailureTime) >= cb.resetTimeout {
			hs.state = circuitStateHalfOpen
			return true
		}
		return false
	case circuitStateHalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess resets the host's failure streak and closes its circuit.
func (cb *CircuitBreaker) RecordSuccess(host string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	hs, exists := cb.hosts[host]
	if !exists {
		return
	}
	hs.consecutiveFailures = 0
	hs.state = circuitStateClosed
}

// RecordFailure records a failed attempt against host, opening the
// circuit once the consecutive-failure threshold is reached. A failure
// observed while half-open re-opens the circuit immediately.
func (cb *CircuitBreaker) RecordFailure(host string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	hs, exists := cb.hosts[host]
	if !exists {
		hs = &hostState{state: circuitStateClosed}
		cb.hosts[host] = hs
	}

	hs.consecutiveFailures++
	hs.lastFailureTime = cb.nowFunc()

	switch hs.state {
	case circuitStateClosed:
		if hs.consecutiveFailures >= cb.failureThreshold {
			hs.state = circuitStateOpen
		}
	case circuitStateHalfOpen:
		hs.state = circuitStateOpen
	}
}
