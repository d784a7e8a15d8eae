// Package router owns backend selection: a round-robin rotation over the
// registered backends, guarded by per-backend circuit breakers and kept
// honest by a background health prober.
package router

import (
	"sync"
	"time"
)

// cbState represents the operational state of a per-backend circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — backend is failing; requests are rejected until cooldown.
//	cbHalfOpen — recovery probe; exactly one request is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// Circuit breaker defaults, used when config supplies zero values.
const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 30 * time.Second
)

// BreakerConfig holds circuit breaker tuning parameters. Zero values fall
// back to the package defaults.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before allowing a
	// single probe request.
	Cooldown time.Duration
}

func (c *BreakerConfig) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return DefaultFailureThreshold
}

func (c *BreakerConfig) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return DefaultCooldown
}

// backendCB holds per-backend circuit breaker state.
type backendCB struct {
	mu sync.Mutex

	state         cbState
	failCount     int       // consecutive failures while closed
	openedAt      time.Time // when the breaker was tripped (for cooldown)
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker manages independent circuit breakers for each backend.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*backendCB
	cfg      BreakerConfig
}

// NewCircuitBreaker creates a CircuitBreaker tracking the given backend
// IDs with the supplied thresholds.
func NewCircuitBreaker(ids []string, cfg BreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		breakers: make(map[string]*backendCB, len(ids)),
		cfg:      cfg,
	}
	for _, id := range ids {
		cb.breakers[id] = &backendCB{state: cbClosed}
	}
	return cb
}

// Allow reports whether the named backend should receive the next request.
//
//   - Closed  → always true.
//   - Open    → false, unless the cooldown has elapsed, in which case the
//     breaker transitions to HalfOpen and admits one probe.
//   - HalfOpen → true only if no probe is currently in flight.
//
// Returns true for unknown backends (the breaker is not tracking them).
func (cb *CircuitBreaker) Allow(backend string) bool {
	bcb := cb.get(backend)
	if bcb == nil {
		return true
	}

	bcb.mu.Lock()
	defer bcb.mu.Unlock()

	switch bcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(bcb.openedAt) >= cb.cfg.cooldown() {
			// Transition to half-open: admit exactly one probe.
			bcb.state = cbHalfOpen
			bcb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if bcb.probeInflight {
			return false
		}
		bcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful call and closes the breaker, resetting
// the consecutive-failure count.
func (cb *CircuitBreaker) RecordSuccess(backend string) {
	bcb := cb.get(backend)
	if bcb == nil {
		return
	}

	bcb.mu.Lock()
	defer bcb.mu.Unlock()

	bcb.state = cbClosed
	bcb.failCount = 0
	bcb.probeInflight = false
}

// RecordFailure registers a failed call. While closed, the failCount-th
// consecutive failure trips the breaker. A failed half-open probe reopens
// it with a fresh cooldown. Failures reported while already open (from
// calls that were in flight when the breaker tripped) leave the cooldown
// clock alone.
func (cb *CircuitBreaker) RecordFailure(backend string) {
	bcb := cb.get(backend)
	if bcb == nil {
		return
	}

	bcb.mu.Lock()
	defer bcb.mu.Unlock()

	switch bcb.state {
	case cbClosed:
		bcb.failCount++
		if bcb.failCount >= cb.cfg.failureThreshold() {
			bcb.state = cbOpen
			bcb.openedAt = time.Now()
		}

	case cbHalfOpen:
		bcb.state = cbOpen
		bcb.openedAt = time.Now()
		bcb.probeInflight = false
	}
}

// State returns the current cbState for backend (used for metrics export).
func (cb *CircuitBreaker) State(backend string) cbState {
	bcb := cb.get(backend)
	if bcb == nil {
		return cbClosed
	}
	bcb.mu.Lock()
	defer bcb.mu.Unlock()
	return bcb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or
// "half_open".
func (cb *CircuitBreaker) StateLabel(backend string) string {
	switch cb.State(backend) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// States returns the StateLabel of every tracked backend, for the health
// endpoint.
func (cb *CircuitBreaker) States() map[string]string {
	cb.mu.RLock()
	ids := make([]string, 0, len(cb.breakers))
	for id := range cb.breakers {
		ids = append(ids, id)
	}
	cb.mu.RUnlock()

	out := make(map[string]string, len(ids))
	for _, id := range ids {
		out[id] = cb.StateLabel(id)
	}
	return out
}

func (cb *CircuitBreaker) get(backend string) *backendCB {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breakers[backend]
}
