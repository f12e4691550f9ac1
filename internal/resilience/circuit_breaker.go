package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Call while the circuit is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Calls fail fast with ErrCircuitOpen
	StateHalfOpen                     // A few probe calls decide whether to close again
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

// StateListener observes state transitions. It runs outside the breaker's
// lock and must not block.
type StateListener func(name string, from, to CircuitState)

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithHalfOpenProbes sets how many calls half-open admits, and how many of
// them must succeed before the circuit closes. The default is 3.
func WithHalfOpenProbes(n int) BreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.probes = n
		}
	}
}

// WithFailureFilter makes only errors for which counts returns true trip the
// breaker. Other errors are returned to the caller without being recorded.
func WithFailureFilter(counts func(error) bool) BreakerOption {
	return func(cb *CircuitBreaker) { cb.counts = counts }
}

// WithStateListener registers fn for state transitions.
func WithStateListener(fn StateListener) BreakerOption {
	return func(cb *CircuitBreaker) { cb.listeners = append(cb.listeners, fn) }
}

// BreakerStats is a point-in-time view of a breaker.
type BreakerStats struct {
	State               CircuitState
	Requests            int64
	Failures            int64
	ConsecutiveFailures int
	OpenedAt            time.Time
}

// CircuitBreaker fails calls fast after maxFailures consecutive failures and
// lets a limited number of probes through once resetTimeout has passed.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	probes       int
	counts       func(error) bool
	listeners    []StateListener

	mu          sync.Mutex
	state       CircuitState
	consecutive int
	openedAt    time.Time
	admitted    int // probes admitted while half-open
	succeeded   int // probes that succeeded while half-open
	requests    int64
	failures    int64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         name,
		maxFailures:  max(maxFailures, 1),
		resetTimeout: resetTimeout,
		probes:       3,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Name returns the name of the protected service
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Call runs fn unless the circuit is open. Errors caused by ctx ending, and
// errors the failure filter rejects, are passed through without counting
// against the service.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	probe, ok := cb.admit()
	if !ok {
		return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.record(true)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()), cb.counts != nil && !cb.counts(err):
		cb.forget(probe)
	default:
		cb.record(false)
	}
	return err
}

// State returns the current state. An open circuit whose reset timeout has
// passed still reports open until the next call probes it.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		State:               cb.state,
		Requests:            cb.requests,
		Failures:            cb.failures,
		ConsecutiveFailures: cb.consecutive,
		OpenedAt:            cb.openedAt,
	}
}

func (cb *CircuitBreaker) admit() (probe bool, ok bool) {
	cb.mu.Lock()
	from := cb.state

	switch cb.state {
	case StateClosed:
		ok = true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.admitted, cb.succeeded = 1, 0
			probe, ok = true, true
		}
	case StateHalfOpen:
		if cb.admitted < cb.probes {
			cb.admitted++
			probe, ok = true, true
		}
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return probe, ok
}

// forget returns an unrecorded probe slot.
func (cb *CircuitBreaker) forget(probe bool) {
	if !probe {
		return
	}
	cb.mu.Lock()
	if cb.state == StateHalfOpen && cb.admitted > 0 {
		cb.admitted--
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	from := cb.state
	cb.requests++

	if success {
		switch cb.state {
		case StateClosed:
			cb.consecutive = 0
		case StateHalfOpen:
			cb.succeeded++
			if cb.succeeded >= cb.probes {
				cb.state = StateClosed
				cb.consecutive = 0
			}
		}
	} else {
		cb.failures++
		cb.consecutive++
		switch cb.state {
		case StateClosed:
			if cb.consecutive >= cb.maxFailures {
				cb.trip()
			}
		case StateHalfOpen:
			// Any failed probe reopens the circuit
			cb.trip()
		}
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = time.Now()
	cb.admitted, cb.succeeded = 0, 0
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if from == to {
		return
	}
	for _, fn := range cb.listeners {
		fn(cb.name, from, to)
	}
}
