package listen

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/earshot/pkg/audio/capture"
)

// Default restart parameters.
const (
	defaultMaxAttempts = 3
	defaultBackoff     = 200 * time.Millisecond
	defaultMaxBackoff  = time.Second
)

// RestartPolicy bounds the attempts to reopen capture after a flush.
type RestartPolicy struct {
	// MaxAttempts is the number of open attempts before giving up.
	// Defaults to 3 if zero.
	MaxAttempts int

	// Backoff is the wait after the first failed attempt. It doubles after
	// every further failure up to MaxBackoff. Defaults to 200ms if zero.
	Backoff time.Duration

	// MaxBackoff caps the wait between attempts. Defaults to 1s if zero.
	MaxBackoff time.Duration
}

func (p RestartPolicy) withDefaults() RestartPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = defaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = p.Backoff
	}
	return p
}

// opener opens and starts a capture stream in one step.
type opener func() (capture.Stream, error)

// reopen calls open until it succeeds, the policy's attempts are used up, or
// ctx is done. It returns the last open error wrapped in
// [ErrCaptureRestartFailed] when every attempt failed.
func reopen(ctx context.Context, policy RestartPolicy, open opener) (capture.Stream, error) {
	policy = policy.withDefaults()
	wait := policy.Backoff

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		st, err := open()
		if err == nil {
			if attempt > 1 {
				slog.Info("capture reopened", "attempt", attempt)
			}
			return st, nil
		}
		lastErr = err
		slog.Warn("capture reopen attempt failed",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"err", err,
		)
		if attempt == policy.MaxAttempts {
			break
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}

		wait *= 2
		if wait > policy.MaxBackoff {
			wait = policy.MaxBackoff
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrCaptureRestartFailed, policy.MaxAttempts, lastErr)
}
