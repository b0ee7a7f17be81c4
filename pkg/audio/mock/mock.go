// Package mock provides in-memory mock implementations of the
// [capture.Source] and [capture.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{OpenErrors: []error{capture.ErrDeviceUnavailable}}
//	ctrl := listen.New(src, ...)
//	ctrl.Start(ctx)            // first Open fails, the retry succeeds
//	src.LastStream().Emit(frame) // drive the frame callback by hand
package mock

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/capture"
)

// Compile-time assertions.
var (
	_ capture.Source = (*Source)(nil)
	_ capture.Stream = (*Stream)(nil)
)

// ─── Source ───────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Source.Open] invocation.
type OpenCall struct {
	// Spec is the device spec passed to Open.
	Spec capture.DeviceSpec
	// Config is the stream config passed to Open.
	Config capture.StreamConfig
}

// Source is a mock implementation of [capture.Source].
type Source struct {
	mu sync.Mutex

	// DevicesResult is returned by [Source.Devices].
	DevicesResult []capture.DeviceInfo

	// DevicesError is returned by [Source.Devices].
	DevicesError error

	// OpenErrors is consumed front to back, one entry per Open call. A nil
	// entry lets that call succeed. Once exhausted, OpenError applies.
	OpenErrors []error

	// OpenError is returned by every Open call once OpenErrors is empty.
	OpenError error

	// ExclusiveDevices makes Open fail with [capture.ErrDeviceUnavailable]
	// while another stream for the same spec is open and not closed.
	ExclusiveDevices bool

	// OpenCalls records all Open invocations, including failed ones.
	OpenCalls []OpenCall

	// Streams holds every stream returned by a successful Open, in order.
	Streams []*Stream
}

// Devices implements [capture.Source]. Returns DevicesResult / DevicesError.
func (s *Source) Devices() ([]capture.DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.DevicesResult, s.DevicesError
}

// Open implements [capture.Source]. Records the call and returns either the
// scripted error or a fresh [Stream].
func (s *Source) Open(spec capture.DeviceSpec, cfg capture.StreamConfig) (capture.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, OpenCall{Spec: spec, Config: cfg})

	var err error
	if len(s.OpenErrors) > 0 {
		err = s.OpenErrors[0]
		s.OpenErrors = s.OpenErrors[1:]
	} else {
		err = s.OpenError
	}
	if err != nil {
		return nil, err
	}

	if s.ExclusiveDevices {
		for _, st := range s.Streams {
			if st.Spec == spec && !st.IsClosed() {
				return nil, fmt.Errorf("%w: %s already in use", capture.ErrDeviceUnavailable, spec)
			}
		}
	}

	st := &Stream{Spec: spec, Config: cfg}
	s.Streams = append(s.Streams, st)
	return st, nil
}

// LastStream returns the most recently opened stream, or nil.
func (s *Source) LastStream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Streams) == 0 {
		return nil
	}
	return s.Streams[len(s.Streams)-1]
}

// OpenCount returns the number of Open calls so far.
func (s *Source) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.OpenCalls)
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [capture.Stream]. Tests push audio
// through it with [Stream.Emit]; like a real backend, no callback is delivered
// once Stop has returned.
type Stream struct {
	// Spec and Config are the arguments the stream was opened with.
	Spec   capture.DeviceSpec
	Config capture.StreamConfig

	// StartError is returned by Start. The stream stays stopped when set.
	StartError error

	// StopError is returned by Stop.
	StopError error

	mu sync.Mutex

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	cbMu     sync.RWMutex
	running  bool
	closed   bool
	onFrame  capture.FrameFunc
	onStatus capture.StatusFunc
	seq      uint64
}

// Start implements [capture.Stream].
func (st *Stream) Start(onFrame capture.FrameFunc, onStatus capture.StatusFunc) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.CallCountStart++
	if st.StartError != nil {
		return st.StartError
	}
	if onFrame == nil {
		return errors.New("mock: onFrame must not be nil")
	}

	st.cbMu.Lock()
	defer st.cbMu.Unlock()
	if st.closed {
		return errors.New("mock: stream is closed")
	}
	if st.running {
		return errors.New("mock: stream already started")
	}
	st.running = true
	st.onFrame = onFrame
	st.onStatus = onStatus
	return nil
}

// Stop implements [capture.Stream]. It waits for any Emit in progress.
func (st *Stream) Stop() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.CallCountStop++
	st.cbMu.Lock()
	st.running = false
	st.onFrame = nil
	st.onStatus = nil
	st.cbMu.Unlock()
	return st.StopError
}

// Close implements [capture.Stream].
func (st *Stream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.CallCountClose++
	st.cbMu.Lock()
	st.running = false
	st.closed = true
	st.onFrame = nil
	st.onStatus = nil
	st.cbMu.Unlock()
	return nil
}

// Emit delivers samples to the registered frame callback as one frame in the
// stream's configured format. It reports whether the frame was delivered;
// false means the stream is not running.
func (st *Stream) Emit(samples []float32) bool {
	st.cbMu.Lock()
	if !st.running {
		st.cbMu.Unlock()
		return false
	}
	frame := audio.Frame{
		Samples:    samples,
		SampleRate: st.Config.SampleRate,
		Channels:   st.Config.Channels,
		Seq:        st.seq,
	}
	st.seq++
	cb := st.onFrame
	// Downgrade to a read lock for the callback so Stop blocks until it
	// returns, matching the backend contract.
	st.cbMu.Unlock()
	st.cbMu.RLock()
	defer st.cbMu.RUnlock()
	if !st.running {
		return false
	}
	cb(frame)
	return true
}

// EmitStatus delivers err (wrapped in [capture.ErrStatusWarning]) to the
// status callback. It reports whether a callback was registered.
func (st *Stream) EmitStatus(err error) bool {
	st.cbMu.RLock()
	defer st.cbMu.RUnlock()
	if !st.running || st.onStatus == nil {
		return false
	}
	st.onStatus(fmt.Errorf("%w: %v", capture.ErrStatusWarning, err))
	return true
}

// IsRunning reports whether the stream is between Start and Stop.
func (st *Stream) IsRunning() bool {
	st.cbMu.RLock()
	defer st.cbMu.RUnlock()
	return st.running
}

// IsClosed reports whether Close has been called.
func (st *Stream) IsClosed() bool {
	st.cbMu.RLock()
	defer st.cbMu.RUnlock()
	return st.closed
}

// Counts returns the Start, Stop and Close call counts.
func (st *Stream) Counts() (start, stop, closeCount int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.CallCountStart, st.CallCountStop, st.CallCountClose
}
