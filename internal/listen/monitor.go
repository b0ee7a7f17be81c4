package listen

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/earshot/internal/observe"
)

// monitor watches the detector and flushes on silence. It sleeps until the
// current silence window could expire, bounded by the poll interval, and
// wakes early when speech resumes after a pause.
func (c *Controller) monitor(ctx context.Context, r *run) {
	defer close(r.done)
	defer c.finish(ctx, r)

	timer := time.NewTimer(c.nextWake())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.det.Activity():
		case <-timer.C:
		}
		if !c.tick(ctx) {
			return
		}
		timer.Reset(c.nextWake())
	}
}

// nextWake returns how long the monitor may sleep.
func (c *Controller) nextWake() time.Duration {
	wait := c.cfg.PollInterval
	if rem := c.det.Remaining(); rem > 0 && rem+time.Millisecond < wait {
		wait = rem + time.Millisecond
	}
	return wait
}

// tick checks the flush conditions once. It returns false when the session
// has ended.
func (c *Controller) tick(ctx context.Context) bool {
	switch {
	case c.cfg.MaxSegment > 0 && c.acc.Buffered() >= c.cfg.MaxSegment:
		return c.flush(ctx, observe.FlushMaxLen)
	case c.det.Silent() && !c.acc.Empty():
		return c.flush(ctx, observe.FlushSilence)
	}
	return true
}

// flush stops capture, hands the buffered segment to the dispatcher and
// reopens capture. It returns false when the session ended, either because
// Stop cancelled ctx or because capture could not be reopened.
func (c *Controller) flush(ctx context.Context, reason string) bool {
	c.mu.Lock()
	if ctx.Err() != nil || c.state != Listening {
		c.mu.Unlock()
		return false
	}
	c.state = Flushing
	old := c.stream
	c.stream = nil
	c.mu.Unlock()

	began := time.Now()
	c.out.WriteLine(LineProcessing)

	if err := old.Stop(); err != nil {
		slog.Warn("failed to stop capture for flush", "err", err)
	}
	c.dispatch(ctx, c.acc.Drain(), reason)
	if err := old.Close(); err != nil {
		slog.Warn("failed to close capture for flush", "err", err)
	}

	st, err := reopen(ctx, c.cfg.Restart, c.open)

	c.mu.Lock()
	defer c.mu.Unlock()

	if ctx.Err() != nil {
		// Stopped mid-flush; finish releases st.
		c.stream = st
		return false
	}
	if err != nil {
		c.lastErr = err
		c.metrics.CaptureRestartFailures.Add(ctx, 1)
		slog.Error("capture restart failed, ending session", "err", err)
		c.out.WriteLine(fmt.Sprintf("Capture restart failed: %v", err))
		c.endLocked(ctx)
		return false
	}

	c.stream = st
	c.state = Listening
	c.det.Reset()
	c.metrics.RestartDuration.Record(ctx, time.Since(began).Seconds())
	return true
}
