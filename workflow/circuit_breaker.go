package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by WithCircuitBreaker while the breaker rejects
// executions.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before letting
	// probes through.
	RecoveryTimeout time.Duration
	// HalfOpenMaxProbes bounds the in-flight probes while half open.
	HalfOpenMaxProbes int
	// SuccessThreshold is the number of probe successes that closes the
	// breaker again.
	SuccessThreshold int
	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker lock released.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns a breaker opening after 5 consecutive
// failures.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  1,
	}
}

// CircuitBreaker rejects work after repeated failures until a cooldown has
// passed. It is safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

// NewCircuitBreaker creates a closed breaker. Non-positive settings fall back
// to DefaultCircuitBreakerConfig.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = def.HalfOpenMaxProbes
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Allow reports whether an execution may start. A nil error must be paired
// with exactly one Record call.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	from := cb.state
	var err error
	switch cb.state {
	case CircuitOpen:
		wait := cb.cfg.RecoveryTimeout - cb.now().Sub(cb.openedAt)
		if wait > 0 {
			err = fmt.Errorf("%w: %d consecutive failures, retry after %s",
				ErrCircuitOpen, cb.failures, wait.Round(time.Millisecond))
			break
		}
		cb.state = CircuitHalfOpen
		cb.successes = 0
		cb.probes = 1
	case CircuitHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMaxProbes {
			err = fmt.Errorf("%w: probe in flight", ErrCircuitOpen)
			break
		}
		cb.probes++
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return err
}

// Record reports the outcome of an execution admitted by Allow.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	from := cb.state
	if err == nil {
		switch cb.state {
		case CircuitClosed:
			cb.failures = 0
		case CircuitHalfOpen:
			if cb.probes > 0 {
				cb.probes--
			}
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.state = CircuitClosed
				cb.failures = 0
			}
		}
	} else {
		cb.failures++
		switch cb.state {
		case CircuitClosed:
			if cb.failures >= cb.cfg.FailureThreshold {
				cb.trip()
			}
		case CircuitHalfOpen:
			cb.trip()
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// release returns an admitted probe without recording an outcome.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

// trip opens the breaker. Caller holds mu.
func (cb *CircuitBreaker) trip() {
	cb.state = CircuitOpen
	cb.openedAt = cb.now()
	cb.successes = 0
	cb.probes = 0
}

// State returns the current state without triggering a transition.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = CircuitClosed
	cb.failures, cb.successes, cb.probes = 0, 0, 0
	cb.mu.Unlock()
	cb.notify(from, CircuitClosed)
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// WithCircuitBreaker fails fast with ErrCircuitOpen while cb is open. Errors
// caused by cancellation of the run are not counted as failures.
func WithCircuitBreaker[C any](cb *CircuitBreaker) Middleware[C] {
	return func(next Step[C]) Step[C] {
		return StepFunc[C](func(ctx context.Context, req *Request[C]) error {
			if err := cb.Allow(); err != nil {
				return err
			}
			err := next.Execute(ctx, req)
			if err != nil && ctx.Err() != nil {
				cb.release()
				return err
			}
			cb.Record(err)
			return err
		})
	}
}
