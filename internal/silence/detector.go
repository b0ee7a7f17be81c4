// Package silence tracks speech activity on a live frame stream.
//
// A [Detector] is fed every captured frame from the capture goroutine and
// answers "how long has it been quiet?" from any other goroutine. The only
// shared state is the last-active timestamp, kept in a single atomic word;
// it never moves backwards.
package silence

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Default tuning, matching a loopback capture at 48 kHz stereo.
const (
	DefaultThreshold = 0.01
	DefaultWindow    = 1500 * time.Millisecond
)

// Clock supplies the current time. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock (with its monotonic component).
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Detector decides per frame whether the signal is active and remembers when
// it last was. Observe is called from the capture goroutine; every other
// method may be called concurrently from any goroutine.
type Detector struct {
	clock Clock
	base  time.Time

	lastActive atomic.Int64  // ns since base
	threshold  atomic.Uint64 // math.Float64bits
	window     atomic.Int64  // ns

	activity chan struct{}
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(d *Detector) { d.clock = c }
}

// WithThreshold sets the energy threshold (L2 norm of a frame's samples)
// above which a frame counts as active.
func WithThreshold(t float64) Option {
	return func(d *Detector) { d.SetThreshold(t) }
}

// WithWindow sets the silence window.
func WithWindow(w time.Duration) Option {
	return func(d *Detector) { d.SetWindow(w) }
}

// New returns a Detector whose last-active time is the moment of creation.
func New(opts ...Option) *Detector {
	d := &Detector{
		clock:    SystemClock{},
		activity: make(chan struct{}, 1),
	}
	d.SetThreshold(DefaultThreshold)
	d.SetWindow(DefaultWindow)
	for _, o := range opts {
		o(d)
	}
	d.base = d.clock.Now()
	return d
}

func (d *Detector) now() int64 {
	return int64(d.clock.Now().Sub(d.base))
}

// Observe computes the energy of frame and, if it exceeds the threshold,
// marks now as the last active time. It reports whether the frame was active.
// Observe never blocks.
func (d *Detector) Observe(frame audio.Frame) bool {
	if audio.Energy(frame.Samples) <= d.Threshold() {
		return false
	}
	now := d.now()
	wasSilent := now-d.lastActive.Load() > d.window.Load()
	d.advance(now)
	if wasSilent {
		select {
		case d.activity <- struct{}{}:
		default:
		}
	}
	return true
}

// advance stores ts as the last active time unless a later one is already
// stored.
func (d *Detector) advance(ts int64) {
	for {
		old := d.lastActive.Load()
		if ts <= old {
			return
		}
		if d.lastActive.CompareAndSwap(old, ts) {
			return
		}
	}
}

// Reset marks now as the last active time without signalling activity. The
// controller calls it when a listening session starts so that the session
// opens with a full silence window.
func (d *Detector) Reset() {
	d.advance(d.now())
}

// ElapsedSilence returns the time since the last active frame (or the last
// Reset). It is never negative.
func (d *Detector) ElapsedSilence() time.Duration {
	el := d.now() - d.lastActive.Load()
	if el < 0 {
		return 0
	}
	return time.Duration(el)
}

// LastActive returns the time of the last active frame or Reset.
func (d *Detector) LastActive() time.Time {
	return d.base.Add(time.Duration(d.lastActive.Load()))
}

// Silent reports whether the elapsed silence exceeds the window.
func (d *Detector) Silent() bool {
	return d.ElapsedSilence() > d.Window()
}

// Remaining returns how much longer the signal must stay quiet before
// [Detector.Silent] turns true. Zero once it is already silent.
func (d *Detector) Remaining() time.Duration {
	r := d.Window() - d.ElapsedSilence()
	if r < 0 {
		return 0
	}
	return r
}

// Activity delivers a value when an active frame arrives after the signal
// had been silent for longer than the window. Notifications coalesce; a
// reader that falls behind sees one pending value.
func (d *Detector) Activity() <-chan struct{} {
	return d.activity
}

// Threshold returns the current energy threshold.
func (d *Detector) Threshold() float64 {
	return math.Float64frombits(d.threshold.Load())
}

// SetThreshold changes the energy threshold. Negative values are clamped to
// zero. Safe to call while frames are flowing.
func (d *Detector) SetThreshold(t float64) {
	if t < 0 || math.IsNaN(t) {
		t = 0
	}
	d.threshold.Store(math.Float64bits(t))
}

// Window returns the current silence window.
func (d *Detector) Window() time.Duration {
	return time.Duration(d.window.Load())
}

// SetWindow changes the silence window. Non-positive values are ignored.
func (d *Detector) SetWindow(w time.Duration) {
	if w <= 0 {
		return
	}
	d.window.Store(int64(w))
}
