package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] failed or
// was skipped because its breaker was open.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for the breaker created per entry. Its
	// Name is replaced with the entry name.
	CircuitBreaker CircuitBreakerConfig

	// OnAttempt, if set, is called once per entry that was tried, with the
	// entry name and the outcome. Entries skipped because of an open breaker
	// are reported with [ErrCircuitOpen].
	OnAttempt func(name string, err error)
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary value and ordered fallbacks of the same type.
// Entries are tried in registration order until one succeeds.
//
// Fallbacks must be registered before the group is shared between
// goroutines; after that the group is safe for concurrent use.
type FallbackGroup[T any] struct {
	cfg     FallbackConfig
	entries []fallbackEntry[T]
}

// NewFallbackGroup creates a [FallbackGroup] with primary as its first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry tried after all previously added ones.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Primary returns the first entry's value.
func (fg *FallbackGroup[T]) Primary() T { return fg.entries[0].value }

// Names returns the entry names in try order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Breaker returns the circuit breaker guarding the named entry, or nil.
func (fg *FallbackGroup[T]) Breaker(name string) *CircuitBreaker {
	for i := range fg.entries {
		if fg.entries[i].name == name {
			return fg.entries[i].breaker
		}
	}
	return nil
}

// Execute runs fn against each entry until one succeeds. See
// [ExecuteWithResult].
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}

// ExecuteWithResult runs fn against each entry of fg in order and returns the
// first successful result. Entries whose breaker is open are skipped. The
// walk stops early once ctx is done, returning the context error. When every
// entry fails the result wraps [ErrAllFailed] and the last entry's error.
//
// This is a package-level function because methods cannot declare type
// parameters.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		entry := &fg.entries[i]

		var result R
		err := entry.breaker.Execute(ctx, func(ctx context.Context) error {
			var inner error
			result, inner = fn(ctx, entry.value)
			return inner
		})
		if fg.cfg.OnAttempt != nil {
			fg.cfg.OnAttempt(entry.name, err)
		}
		if err == nil {
			return result, nil
		}
		lastErr = err

		switch {
		case ctx.Err() != nil:
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("skipping backend with open circuit", "backend", entry.name)
		case i < len(fg.entries)-1:
			slog.Warn("backend failed, trying next", "backend", entry.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
