// Package resilience guards transcription backends against repeated failure.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops sending segments to a backend after it has failed several times in a
// row. [FallbackGroup] chains a primary backend with zero or more fallbacks,
// each behind its own breaker, and [TranscriberFallback] exposes such a chain
// as a plain stt.Transcriber.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of trial calls through. Enough
	// successful trials close the breaker, a single failure re-opens it.
	StateHalfOpen
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker]. Zero values
// select the defaults noted on each field.
type CircuitBreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful trials needed to close the
	// breaker again. Default: 1.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker's lock released.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
//
// A call that fails only because its context was cancelled or timed out is
// not held against the backend: shutting down mid-transcription must not trip
// the breaker.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	trials    int
	trialWins int
}

// NewCircuitBreaker creates a [CircuitBreaker] in the closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn if the breaker admits the call and records the outcome.
// When the breaker rejects the call fn is not invoked and [ErrCircuitOpen] is
// returned.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.release(trial)
		return err
	}
	cb.record(trial, err == nil)
	return err
}

// admit decides whether a call may proceed. trial reports whether the call
// counts against the half-open budget.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateOpen:
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.trials = 0
		cb.trialWins = 0
	case StateHalfOpen:
	default:
		cb.mu.Unlock()
		return false, nil
	}
	if cb.trials >= cb.cfg.HalfOpenMax {
		cb.mu.Unlock()
		return false, ErrCircuitOpen
	}
	cb.trials++
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return true, nil
}

// release returns an unused trial slot.
func (cb *CircuitBreaker) release(trial bool) {
	if !trial {
		return
	}
	cb.mu.Lock()
	if cb.state == StateHalfOpen && cb.trials > 0 {
		cb.trials--
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) record(trial, ok bool) {
	cb.mu.Lock()
	from := cb.state
	switch {
	case ok && trial && cb.state == StateHalfOpen:
		cb.trialWins++
		if cb.trialWins >= cb.cfg.HalfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
		}
	case ok:
		cb.failures = 0
	case trial && cb.state == StateHalfOpen:
		cb.state = StateOpen
		cb.openedAt = cb.cfg.Now()
	default:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			cb.state = StateOpen
			cb.openedAt = cb.cfg.Now()
		}
	}
	to := cb.state
	failures := cb.failures
	cb.mu.Unlock()

	if from == to {
		return
	}
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "from", from.String(), "consecutive_failures", failures)
	case StateClosed:
		slog.Info("circuit breaker closed", "name", cb.cfg.Name)
	}
	cb.notify(from, to)
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to || cb.cfg.OnStateChange == nil {
		return
	}
	cb.cfg.OnStateChange(cb.cfg.Name, from, to)
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call to [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.trials = 0
	cb.trialWins = 0
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
