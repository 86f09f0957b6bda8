package backends

import (
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
)

// Breaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half-open"
)

// BreakerState is the failure record for one backend.
type BreakerState struct {
	Failures    int
	LastFailure time.Time
	State       string
}

// CircuitBreaker fails fast for backends that keep failing with
// connectivity errors. After resetTimeout one probe call is let through
// (half-open); its outcome closes or reopens the circuit.
//
// Semantic failures do not count: a bad query says nothing about the
// backend's health.
type CircuitBreaker struct {
	failureThreshold int
	resetTimeout     time.Duration
	states           map[string]*BreakerState
	logger           observability.Logger
	now              func() time.Time
	mu               sync.Mutex
}

// NewCircuitBreaker creates a CircuitBreaker. A threshold of 0 never opens.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration, logger observability.Logger) *CircuitBreaker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		states:           make(map[string]*BreakerState),
		logger:           logger,
		now:              time.Now,
	}
}

func (b *CircuitBreaker) getState(backend string) *BreakerState {
	if _, exists := b.states[backend]; !exists {
		b.states[backend] = &BreakerState{State: BreakerClosed}
	}
	return b.states[backend]
}

// Allow reports whether a call to backend may proceed.
func (b *CircuitBreaker) Allow(backend string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.getState(backend)
	if state.State != BreakerOpen {
		return true
	}
	if b.now().Sub(state.LastFailure) >= b.resetTimeout {
		state.State = BreakerHalfOpen
		b.logger.Info("circuit_half_open", "backend", backend)
		return true
	}
	return false
}

// Record updates backend's state with the outcome of a call.
func (b *CircuitBreaker) Record(backend string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.getState(backend)
	if err == nil || !IsTransient(err) {
		if state.State == BreakerHalfOpen {
			b.logger.Info("circuit_closed", "backend", backend)
		}
		state.State = BreakerClosed
		state.Failures = 0
		return
	}

	state.Failures++
	state.LastFailure = b.now()
	if state.State == BreakerHalfOpen {
		state.State = BreakerOpen
		b.logger.Warn("circuit_reopened", "backend", backend)
	} else if b.failureThreshold > 0 && state.Failures >= b.failureThreshold && state.State != BreakerOpen {
		state.State = BreakerOpen
		b.logger.Warn("circuit_opened", "backend", backend, "failures", state.Failures)
	}
}

// States returns the current state of every backend seen so far.
func (b *CircuitBreaker) States() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make(map[string]string, len(b.states))
	for k, v := range b.states {
		result[k] = v.State
	}
	return result
}

// Reset clears backend's state, or every state when backend is empty.
func (b *CircuitBreaker) Reset(backend string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if backend != "" {
		delete(b.states, backend)
	} else {
		b.states = make(map[string]*BreakerState)
	}
}
