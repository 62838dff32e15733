package subsync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState is closed (calls flow), open (calls rejected) or
// half-open (one trial call decides).
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned without calling the store while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls to a dependency that can go away.
type CircuitBreaker interface {
	// Execute runs fn unless the circuit is open, and records the outcome.
	Execute(ctx context.Context, fn func() error) error
	Success()
	Failure(err error)
	State() CircuitBreakerState
}

// CircuitBreakerConfig configures DefaultCircuitBreaker.
type CircuitBreakerConfig struct {
	// Consecutive failures before the circuit opens. Default: 5
	FailureThreshold int

	// Time an open circuit waits before letting a trial call through.
	// Default: 30s
	ResetTimeout time.Duration

	// OnStateChange sees every transition. It runs under the breaker lock
	// and must not call back into the breaker.
	OnStateChange func(state CircuitBreakerState)
}

// DefaultCircuitBreaker opens after a run of consecutive failures.
// Once ResetTimeout has passed an open circuit reports half-open; the next
// call closes it on success or re-opens it on failure.
type DefaultCircuitBreaker struct {
	mu sync.Mutex

	state     CircuitBreakerState
	threshold int
	cooldown  time.Duration
	failures  int
	openedAt  time.Time

	notify func(state CircuitBreakerState)
	now    func() time.Time
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *DefaultCircuitBreaker {
	cb := &DefaultCircuitBreaker{
		state:     StateClosed,
		threshold: config.FailureThreshold,
		cooldown:  config.ResetTimeout,
		notify:    config.OnStateChange,
		now:       time.Now,
	}
	if cb.threshold <= 0 {
		cb.threshold = 5
	}
	if cb.cooldown <= 0 {
		cb.cooldown = 30 * time.Second
	}
	return cb
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.current()
}

// current promotes an expired open circuit to half-open. mu must be held.
func (cb *DefaultCircuitBreaker) current() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.transition(StateHalfOpen)
	}
	return cb.state
}

func (cb *DefaultCircuitBreaker) Execute(_ context.Context, fn func() error) error {
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil {
		cb.Failure(err)
	} else {
		cb.Success()
	}
	return err
}

func (cb *DefaultCircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.current()
	cb.transition(StateClosed)
}

func (cb *DefaultCircuitBreaker) Failure(_ error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.current() {
	case StateHalfOpen:
		cb.trip()
	case StateClosed:
		if cb.failures >= cb.threshold {
			cb.trip()
		}
	case StateOpen:
	}
}

func (cb *DefaultCircuitBreaker) trip() {
	cb.openedAt = cb.now()
	cb.transition(StateOpen)
}

// transition is a no-op when the state does not change.
func (cb *DefaultCircuitBreaker) transition(to CircuitBreakerState) {
	if cb.state == to {
		return
	}
	cb.state = to
	if cb.notify != nil {
		cb.notify(to)
	}
}
