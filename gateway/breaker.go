package gateway

import (
	"sync"
	"time"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker is a sliding-window failure breaker shared across attempts
// of the same logical call (and, when a caller wires one breaker per model,
// across calls). It counts failures that fall inside a trailing window, not
// merely consecutive ones: a burst of five failures inside sixty seconds
// trips it even if a lone success is interleaved.
//
// State transitions:
//   - closed -> open: failures in window >= FailureThreshold
//   - open -> half_open: TimeoutSeconds elapsed since entering open
//   - half_open -> closed: SuccessThreshold consecutive successes
//   - half_open -> open: any failure
//
// It never transitions open directly to closed; half_open always mediates.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu                   sync.Mutex
	state                BreakerState
	failureTimestamps    []time.Time
	consecutiveSuccesses int
	openedAt             time.Time
}

// NewCircuitBreaker constructs a breaker in the closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: BreakerClosed}
}

// withClock overrides the time source for deterministic tests.
func (cb *CircuitBreaker) withClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Allow reports whether a call may proceed. When it returns false, the
// second return value is how many seconds the caller should suggest
// retry-after.
func (cb *CircuitBreaker) Allow() (bool, float64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		elapsed := cb.now().Sub(cb.openedAt).Seconds()
		if elapsed >= cb.cfg.TimeoutSeconds {
			cb.state = BreakerHalfOpen
			cb.consecutiveSuccesses = 0
			return true, 0
		}
		return false, cb.cfg.TimeoutSeconds - elapsed
	default:
		return true, 0
	}
}

// RecordSuccess reports a successful call outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerHalfOpen:
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.state = BreakerClosed
			cb.failureTimestamps = nil
			cb.consecutiveSuccesses = 0
		}
	case BreakerClosed:
		// A success in closed state doesn't need to clear the failure
		// window; pruning happens on the next RecordFailure so an isolated
		// success can't hide a real failure burst.
	}
}

// RecordFailure reports a failed call outcome that counts toward the
// breaker (see GatewayError.CountsTowardBreaker).
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	switch cb.state {
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.openedAt = now
		cb.consecutiveSuccesses = 0
		cb.failureTimestamps = []time.Time{now}
		return
	case BreakerOpen:
		return
	}

	cb.failureTimestamps = append(cb.failureTimestamps, now)
	cb.failureTimestamps = pruneBefore(cb.failureTimestamps, now.Add(-cb.windowDuration()))

	if len(cb.failureTimestamps) >= cb.cfg.FailureThreshold {
		cb.state = BreakerOpen
		cb.openedAt = now
	}
}

func (cb *CircuitBreaker) windowDuration() time.Duration {
	return time.Duration(cb.cfg.WindowSeconds * float64(time.Second))
}

// State returns the breaker's current state for diagnostics/metrics.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
