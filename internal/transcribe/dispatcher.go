// Package transcribe turns drained speech segments into transcript lines
// without blocking capture.
//
// A [Dispatcher] accepts segments from the session controller, numbers them,
// and runs each one on its own goroutine: flatten, down-mix to mono, resample
// to the model rate, transcribe, and trim. At most max_concurrency segments are
// inside the transcriber at once; the rest wait on a weighted semaphore. A
// [Reorderer] releases finished results to the sink in submission order.
//
// A failure in one segment is reported to the sink as a notice line for that
// segment only; it never affects capture or other segments.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/segment"
	"github.com/MrWong99/earshot/internal/sink"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

var (
	// ErrTranscriptionFailed marks a segment whose audio could not be
	// converted or transcribed. It wraps the underlying cause.
	ErrTranscriptionFailed = errors.New("transcribe: transcription failed")

	// ErrEmptySegment is returned by Submit for a segment without frames.
	ErrEmptySegment = errors.New("transcribe: empty segment")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("transcribe: dispatcher closed")

	// ErrOverloaded marks a segment refused because max_pending segments
	// were already waiting for release.
	ErrOverloaded = errors.New("transcribe: too many segments pending")
)

// Defaults.
const (
	DefaultMaxConcurrency = 2
	DefaultMaxPending     = 16
	DefaultJobTimeout     = 2 * time.Minute
)

// Result is the outcome of one submitted segment.
type Result struct {
	// Seq is the dispatcher sequence number, starting at 1.
	Seq uint64

	// Session is the listening session the segment was captured in, taken
	// from the submit context. Empty when the context carries none.
	Session string

	// Lines are the trimmed texts in model order, one per returned unit.
	Lines []string

	// Err wraps ErrTranscriptionFailed when the segment failed.
	Err error

	// Audio is the length of the submitted audio.
	Audio time.Duration

	// Latency is the time from submission to completion.
	Latency time.Duration
}

// Option is a functional option for a [Dispatcher].
type Option func(*Dispatcher)

// WithMaxConcurrency caps the number of segments transcribed at the same
// time. Values below one are ignored. Default: [DefaultMaxConcurrency].
func WithMaxConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxConcurrency = n
		}
	}
}

// WithMaxPending caps the segments accepted but not yet released, running
// or queued. A segment over the cap is not transcribed; it is released as an
// [ErrOverloaded] failure notice in its place. Values below one are ignored.
// Default: [DefaultMaxPending].
func WithMaxPending(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxPending = n
		}
	}
}

// WithOrdered selects whether results are released in submission order.
// Default: true.
func WithOrdered(ordered bool) Option {
	return func(d *Dispatcher) { d.ordered = ordered }
}

// WithDecodeOptions sets the decoding parameters passed to the transcriber.
// Default: [stt.DefaultDecodeOptions].
func WithDecodeOptions(opts stt.DecodeOptions) Option {
	return func(d *Dispatcher) { d.decode = opts }
}

// WithResampler replaces the rate converter. Default: [audio.LinearResample].
func WithResampler(r audio.Resampler) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.resample = r
		}
	}
}

// WithJobTimeout bounds a single segment's transcription. Zero disables the
// bound. Default: [DefaultJobTimeout].
func WithJobTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithResultHook registers fn to observe every result after it was written to
// the sink. fn runs in release order and must not block.
func WithResultHook(fn func(Result)) Option {
	return func(d *Dispatcher) { d.hook = fn }
}

// Dispatcher runs segment transcription off the caller's goroutine.
type Dispatcher struct {
	transcriber    stt.Transcriber
	out            sink.Sink
	maxConcurrency int
	maxPending     int
	ordered        bool
	decode         stt.DecodeOptions
	resample       audio.Resampler
	timeout        time.Duration
	metrics        *observe.Metrics
	hook           func(Result)

	sem     *semaphore.Weighted
	reorder *Reorderer

	// base is cancelled by Close and aborts every queued or running job.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	seq     uint64
	pending int
	closed  bool
}

// New creates a Dispatcher that transcribes with t and writes lines to out.
func New(t stt.Transcriber, out sink.Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transcriber:    t,
		out:            out,
		maxConcurrency: DefaultMaxConcurrency,
		maxPending:     DefaultMaxPending,
		ordered:        true,
		timeout:        DefaultJobTimeout,
		decode:         stt.DefaultDecodeOptions(),
		resample:       audio.LinearResample,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	d.sem = semaphore.NewWeighted(int64(d.maxConcurrency))
	d.reorder = NewReorderer(1, d.ordered, d.release)
	d.base, d.cancel = context.WithCancel(context.Background())
	return d
}

// Submit queues seg for transcription and returns its sequence number. It
// never waits for the transcriber. ctx supplies values such as the session ID
// and the parent span; its cancellation does not abort the job, Close does.
//
// When the backlog is full Submit still numbers seg, releases an
// [ErrOverloaded] notice for it in order, and returns that error.
func (d *Dispatcher) Submit(ctx context.Context, seg segment.Segment) (uint64, error) {
	if seg.Empty() {
		return 0, ErrEmptySegment
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, ErrClosed
	}
	d.seq++
	seq := d.seq
	overloaded := d.pending >= d.maxPending
	d.pending++
	if !overloaded {
		d.wg.Add(1)
	}
	d.mu.Unlock()

	d.metrics.TranscribeInflight.Add(ctx, 1)

	if overloaded {
		d.metrics.TranscribeRejected.Add(ctx, 1)
		observe.Logger(ctx).Warn("transcription backlog full, skipping segment",
			"segment", seq,
			"max_pending", d.maxPending,
			"audio", seg.Duration(),
		)
		d.reorder.Deliver(Result{
			Seq:     seq,
			Session: observe.SessionFrom(ctx),
			Err:     fmt.Errorf("%w: %w", ErrTranscriptionFailed, ErrOverloaded),
			Audio:   seg.Duration(),
		})
		return seq, ErrOverloaded
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(d.base, cancel)

	submitted := time.Now()
	go func() {
		defer d.wg.Done()
		defer stop()
		defer cancel()
		res := d.run(jobCtx, seq, seg)
		res.Latency = time.Since(submitted)
		d.reorder.Deliver(res)
	}()
	return seq, nil
}

// run transcribes one segment. A panic in the conversion or the transcriber
// fails the segment instead of the process.
func (d *Dispatcher) run(ctx context.Context, seq uint64, seg segment.Segment) (res Result) {
	res = Result{Seq: seq, Session: observe.SessionFrom(ctx), Audio: seg.Duration()}

	ctx, span := observe.StartSpan(ctx, "transcribe.segment",
		observe.SegmentAttrs(seq, res.Session, res.Audio.Seconds()))
	defer span.End()
	log := observe.Logger(ctx)

	defer func() {
		if v := recover(); v != nil {
			res.Lines = nil
			res.Err = fmt.Errorf("%w: panic: %v", ErrTranscriptionFailed, v)
			log.Error("transcription panicked", "segment", seq, "panic", v)
		}
		if res.Err != nil {
			span.RecordError(res.Err)
		}
	}()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrTranscriptionFailed, err)
		return res
	}
	defer d.sem.Release(1)

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	samples := d.prepare(seg)

	start := time.Now()
	segs, err := d.transcriber.Transcribe(ctx, samples, d.decode)
	elapsed := time.Since(start)
	d.metrics.RecordTranscription(ctx, elapsed.Seconds(), err)

	if err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrTranscriptionFailed, err)
		log.Warn("segment transcription failed", "segment", seq, "err", err)
		return res
	}
	res.Lines = stt.Lines(segs)
	log.Debug("segment transcribed",
		"segment", seq,
		"audio", res.Audio,
		"took", elapsed,
		"lines", len(res.Lines),
	)
	return res
}

// prepare converts a segment to mono float32 at the transcriber's rate.
func (d *Dispatcher) prepare(seg segment.Segment) []float32 {
	samples := audio.DownmixMono(seg.Flatten(), seg.Format.Channels)
	return d.resample(samples, seg.Format.SampleRate, d.transcriber.SampleRate())
}

// release writes one result to the sink. Called by the Reorderer in order.
func (d *Dispatcher) release(res Result) {
	if res.Err != nil {
		d.out.WriteLine(fmt.Sprintf("Transcription failed for segment %d: %v", res.Seq, res.Err))
	}
	for _, line := range res.Lines {
		d.out.WriteLine(line)
	}
	d.metrics.TranscribeInflight.Add(context.Background(), -1)
	d.mu.Lock()
	d.pending--
	d.mu.Unlock()
	if d.hook != nil {
		d.hook(res)
	}
}

// Submitted returns the number of segments accepted so far.
func (d *Dispatcher) Submitted() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

// Wait blocks until every submitted segment has been released to the sink or
// ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further submissions and cancels queued and running jobs.
// Cancelled jobs still release a failure notice. Close does not wait; call
// Wait afterwards to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
}
