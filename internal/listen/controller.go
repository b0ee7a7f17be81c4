// Package listen runs a listening session: it owns the capture stream, feeds
// every frame to the silence detector and the segment accumulator, and cuts
// the stream into utterances.
//
// A [Controller] moves between three states:
//
//	Idle ──Start──▶ Listening ──silence──▶ Flushing ──reopen──▶ Listening
//	  ▲                 │                      │
//	  └──────Stop───────┴──────restart failed──┘
//
// On a flush the controller stops the stream, drains the accumulator, hands
// the segment to the dispatcher, and reopens capture. Transcription happens
// elsewhere; the controller never waits for it.
package listen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/segment"
	"github.com/MrWong99/earshot/internal/silence"
	"github.com/MrWong99/earshot/internal/sink"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/capture"
)

// ErrCaptureRestartFailed is reported when capture could not be reopened
// after a flush. The session ends and the controller returns to Idle.
var ErrCaptureRestartFailed = errors.New("listen: capture restart failed")

// Status lines written to the sink.
const (
	LineStarted    = "Listening started..."
	LineProcessing = "Processing audio..."
	LineStopped    = "Listening stopped."
)

// DefaultPollInterval is the longest the monitor sleeps between checks.
const DefaultPollInterval = 100 * time.Millisecond

// State is the controller's session state.
type State int

const (
	// Idle means no capture stream is open.
	Idle State = iota
	// Listening means frames are flowing into the accumulator.
	Listening
	// Flushing means the stream is stopped while a segment is handed off and
	// capture is reopened.
	Flushing
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Flushing:
		return "flushing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Dispatcher accepts drained segments for transcription. Submit must not
// block on the transcription itself.
type Dispatcher interface {
	Submit(ctx context.Context, seg segment.Segment) (uint64, error)
}

// Config holds the capture and segmentation parameters of a Controller.
type Config struct {
	// Device selects the capture device.
	Device capture.DeviceSpec

	// Stream is the requested capture format.
	Stream capture.StreamConfig

	// PollInterval bounds how long the monitor sleeps. Defaults to
	// [DefaultPollInterval].
	PollInterval time.Duration

	// MaxSegment forces a flush once this much audio is buffered, even
	// without a pause. Zero disables the limit.
	MaxSegment time.Duration

	// Restart bounds reopen attempts after a flush.
	Restart RestartPolicy
}

// Option is a functional option for a Controller.
type Option func(*Controller)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithSessionIDs replaces the session ID generator. Default: UUIDv7.
func WithSessionIDs(fn func() string) Option {
	return func(c *Controller) { c.newID = fn }
}

// Controller is the session state machine. All state transitions happen
// under a single mutex; the capture callback touches only the detector and
// the accumulator, which are safe for concurrent use on their own.
type Controller struct {
	cfg     Config
	source  capture.Source
	det     *silence.Detector
	acc     *segment.Accumulator
	disp    Dispatcher
	out     sink.Sink
	metrics *observe.Metrics
	newID   func() string

	mu      sync.Mutex
	state   State
	stream  capture.Stream
	session string
	run     *run
	lastErr error
}

// run tracks the monitor goroutine of one session.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}

	// err is the teardown error, set before done is closed.
	err error
}

// New creates an idle Controller.
func New(cfg Config, source capture.Source, det *silence.Detector, acc *segment.Accumulator, disp Dispatcher, out sink.Sink, opts ...Option) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	cfg.Restart = cfg.Restart.withDefaults()
	c := &Controller{
		cfg:    cfg,
		source: source,
		det:    det,
		acc:    acc,
		disp:   disp,
		out:    out,
		newID:  newSessionID,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the ID of the current listening session, or "" when Idle.
func (c *Controller) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Idle {
		return ""
	}
	return c.session
}

// LastError returns the error that ended the most recent session abnormally,
// or nil. A successful Start clears it.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Start opens the capture device and begins a listening session. It is a
// no-op unless the controller is Idle. If the device cannot be opened the
// error is written to the sink and returned, and the controller stays Idle.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle {
		slog.Debug("start ignored", "state", c.state.String())
		return nil
	}

	st, err := c.open()
	if err != nil {
		c.lastErr = err
		c.out.WriteLine(fmt.Sprintf("Could not start listening: %v", err))
		return fmt.Errorf("listen: start: %w", err)
	}

	c.det.Reset()
	if stale := c.acc.Drain(); !stale.Empty() {
		slog.Debug("dropped frames left from a previous session", "frames", len(stale.Frames))
	}

	c.session = c.newID()
	c.stream = st
	c.state = Listening
	c.lastErr = nil

	mctx, cancel := context.WithCancel(observe.WithSession(context.WithoutCancel(ctx), c.session))
	c.run = &run{cancel: cancel, done: make(chan struct{})}
	go c.monitor(mctx, c.run)

	c.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("listening started", "session", c.session, "device", c.cfg.Device.String())
	c.out.WriteLine(LineStarted)
	return nil
}

// Stop ends the session: capture stops, whatever is buffered is dispatched,
// and the device is released. It is a no-op when Idle. When Stop returns nil
// the monitor has exited and no frame callback is running.
//
// If ctx ends first Stop returns its error, but the session still winds down
// in the background and the controller reaches Idle on its own.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		return nil
	}
	r := c.run
	c.mu.Unlock()

	// The monitor may be mid-flush and need the lock to finish.
	r.cancel()
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return fmt.Errorf("listen: stop: %w", ctx.Err())
	}
}

// finish tears down the session owned by r unless a failed restart already
// ended it. It runs on the monitor goroutine as it exits.
func (c *Controller) finish(ctx context.Context, r *run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Idle || c.run != r {
		return
	}

	var errs []error
	if c.stream != nil {
		if err := c.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop stream: %w", err))
		}
	}
	c.dispatch(ctx, c.acc.Drain(), observe.FlushStop)
	if c.stream != nil {
		if err := c.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
	}
	c.endLocked(ctx)
	c.out.WriteLine(LineStopped)

	if err := errors.Join(errs...); err != nil {
		slog.Warn("capture did not shut down cleanly", "err", err)
		r.err = fmt.Errorf("listen: stop: %w", err)
	}
}

// Close stops any active session.
func (c *Controller) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Stop(ctx)
}

// endLocked resets the session fields. Must be called with c.mu held.
func (c *Controller) endLocked(ctx context.Context) {
	slog.Info("listening stopped", "session", c.session)
	c.stream = nil
	c.state = Idle
	c.session = ""
	if c.run != nil {
		c.run.cancel()
	}
	c.metrics.ActiveSessions.Add(ctx, -1)
}

// open opens and starts a stream on the configured device.
func (c *Controller) open() (capture.Stream, error) {
	st, err := c.source.Open(c.cfg.Device, c.cfg.Stream)
	if err != nil {
		return nil, err
	}
	if err := st.Start(c.onFrame, c.onStatus); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("start stream: %w", err)
	}
	return st, nil
}

// onFrame runs on the capture goroutine.
func (c *Controller) onFrame(f audio.Frame) {
	active := c.det.Observe(f)
	c.acc.Append(f, active)
}

// onStatus runs on the capture goroutine.
func (c *Controller) onStatus(err error) {
	c.metrics.CaptureWarnings.Add(context.Background(), 1)
	slog.Warn("capture status", "err", err)
	c.out.WriteLine(fmt.Sprintf("Audio status: %v", err))
}

// dispatch hands a non-empty seg to the dispatcher.
func (c *Controller) dispatch(ctx context.Context, seg segment.Segment, reason string) {
	if seg.Empty() {
		return
	}
	if !seg.HasSpeech {
		c.metrics.SegmentsSilent.Add(ctx, 1)
	}
	c.metrics.RecordFlush(ctx, reason, seg.Duration().Seconds())
	seq, err := c.disp.Submit(ctx, seg)
	if err != nil {
		slog.Error("failed to submit segment", "reason", reason, "err", err)
		return
	}
	slog.Debug("segment dispatched", "segment", seq, "reason", reason, "audio", seg.Duration(), "frames", len(seg.Frames))
}
