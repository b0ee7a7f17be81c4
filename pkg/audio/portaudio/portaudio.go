// Package portaudio implements [capture.Source] on top of the PortAudio C
// library via github.com/gordonklaus/portaudio.
//
// PortAudio must be initialised once per process; [New] does this and
// [Source.Close] terminates it. Streams deliver float32 interleaved frames on
// PortAudio's callback thread. Each callback copies the device buffer before
// handing it on, because PortAudio reuses the buffer for the next period.
//
// Usage:
//
//	src, err := portaudio.New()
//	defer src.Close()
//	stream, err := src.Open(capture.ParseDevice("24"), capture.StreamConfig{SampleRate: 48000, Channels: 2})
//	stream.Start(onFrame, onStatus)
//	...
//	stream.Stop()
//	stream.Close()
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/capture"
)

// Compile-time assertions.
var (
	_ capture.Source = (*Source)(nil)
	_ capture.Stream = (*stream)(nil)
)

// Source opens PortAudio input streams. It tracks which devices are held by
// open streams so that a second Open on the same device fails with
// [capture.ErrDeviceUnavailable] instead of surfacing a backend error later.
type Source struct {
	mu     sync.Mutex
	inUse  map[int]bool
	closed bool
}

// New initialises PortAudio and returns a ready [Source]. The caller must call
// Close when the source is no longer needed.
func New() (*Source, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Source{inUse: make(map[int]bool)}, nil
}

// Close terminates PortAudio. Streams still open are invalid afterwards.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := pa.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// Devices enumerates all host devices. The Index of each entry is its
// position in PortAudio's device list.
func (s *Source) Devices() ([]capture.DeviceInfo, error) {
	_, infos, err := s.enumerate()
	return infos, err
}

func (s *Source) enumerate() ([]*pa.DeviceInfo, []capture.DeviceInfo, error) {
	devices, err := pa.Devices()
	if err != nil {
		return nil, nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	defName := ""
	if def, err := pa.DefaultInputDevice(); err == nil && def != nil {
		defName = def.Name
	}
	infos := make([]capture.DeviceInfo, len(devices))
	for i, d := range devices {
		infos[i] = capture.DeviceInfo{
			Index:             i,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			Default:           defName != "" && d.Name == defName,
		}
	}
	return devices, infos, nil
}

// Open resolves spec against the current device list and opens an input
// stream with the requested format.
func (s *Source) Open(spec capture.DeviceSpec, cfg capture.StreamConfig) (capture.Stream, error) {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, fmt.Errorf("portaudio: invalid stream config %dHz %dch", cfg.SampleRate, cfg.Channels)
	}

	devices, infos, err := s.enumerate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
	}
	info, err := capture.Resolve(spec, infos)
	if err != nil {
		return nil, err
	}
	dev := devices[info.Index]

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: source closed", capture.ErrDeviceUnavailable)
	}
	if s.inUse[info.Index] {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: device %d (%s) already in use", capture.ErrDeviceUnavailable, info.Index, info.Name)
	}
	s.inUse[info.Index] = true
	s.mu.Unlock()

	if dev.DefaultSampleRate != float64(cfg.SampleRate) {
		slog.Warn("portaudio: device default rate differs from requested rate, relying on host conversion",
			"device", dev.Name,
			"device_rate", dev.DefaultSampleRate,
			"requested_rate", cfg.SampleRate,
		)
	}

	st := &stream{
		source: s,
		index:  info.Index,
		name:   info.Name,
		format: audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels},
	}

	fpb := cfg.FramesPerBuffer
	if fpb <= 0 {
		fpb = pa.FramesPerBufferUnspecified
	}
	params := pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   dev,
			Channels: cfg.Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: fpb,
	}
	paStream, err := pa.OpenStream(params, st.callback)
	if err != nil {
		s.release(info.Index)
		return nil, fmt.Errorf("%w: open %q: %v", capture.ErrDeviceUnavailable, info.Name, err)
	}
	st.pa = paStream
	slog.Debug("portaudio: stream opened", "device", info.Name, "index", info.Index, "format", st.format.String())
	return st, nil
}

func (s *Source) release(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inUse, index)
}

// ---- stream -----------------------------------------------------------------

// stream is one open PortAudio input stream. cbMu is read-locked by every
// callback for the duration of the hand-off and write-locked by Stop, so once
// Stop holds the lock no callback is in flight and none will deliver again.
type stream struct {
	source *Source
	pa     *pa.Stream
	index  int
	name   string
	format audio.Format

	lifeMu  sync.Mutex // serialises Start/Stop/Close
	started bool
	closed  bool

	cbMu     sync.RWMutex
	running  bool
	onFrame  capture.FrameFunc
	onStatus capture.StatusFunc
	seq      uint64 // only touched by the callback while running
}

func (st *stream) Start(onFrame capture.FrameFunc, onStatus capture.StatusFunc) error {
	if onFrame == nil {
		return errors.New("portaudio: onFrame must not be nil")
	}
	st.lifeMu.Lock()
	defer st.lifeMu.Unlock()
	if st.closed {
		return errors.New("portaudio: stream is closed")
	}
	if st.started {
		return errors.New("portaudio: stream already started")
	}

	st.cbMu.Lock()
	st.onFrame = onFrame
	st.onStatus = onStatus
	st.seq = 0
	st.running = true
	st.cbMu.Unlock()

	if err := st.pa.Start(); err != nil {
		st.cbMu.Lock()
		st.running = false
		st.cbMu.Unlock()
		return fmt.Errorf("portaudio: start %q: %w", st.name, err)
	}
	st.started = true
	return nil
}

func (st *stream) Stop() error {
	st.lifeMu.Lock()
	defer st.lifeMu.Unlock()
	return st.stopLocked()
}

func (st *stream) stopLocked() error {
	if !st.started {
		return nil
	}
	st.started = false

	// Fence off callbacks before asking PortAudio to stop; Pa_StopStream may
	// still deliver buffers that are already queued.
	st.cbMu.Lock()
	st.running = false
	st.onFrame = nil
	st.onStatus = nil
	st.cbMu.Unlock()

	if err := st.pa.Stop(); err != nil {
		return fmt.Errorf("portaudio: stop %q: %w", st.name, err)
	}
	return nil
}

func (st *stream) Close() error {
	st.lifeMu.Lock()
	defer st.lifeMu.Unlock()
	if st.closed {
		return nil
	}
	stopErr := st.stopLocked()
	st.closed = true
	closeErr := st.pa.Close()
	st.source.release(st.index)
	if closeErr != nil {
		closeErr = fmt.Errorf("portaudio: close %q: %w", st.name, closeErr)
	}
	return errors.Join(stopErr, closeErr)
}

// callback runs on PortAudio's real-time thread.
func (st *stream) callback(in []float32, _ pa.StreamCallbackTimeInfo, flags pa.StreamCallbackFlags) {
	st.cbMu.RLock()
	defer st.cbMu.RUnlock()
	if !st.running {
		return
	}

	if flags != 0 && st.onStatus != nil {
		st.onStatus(fmt.Errorf("%w: %s", capture.ErrStatusWarning, describeFlags(flags)))
	}
	if len(in) == 0 {
		return
	}

	buf := make([]float32, len(in))
	copy(buf, in)
	frame := audio.Frame{
		Samples:    buf,
		SampleRate: st.format.SampleRate,
		Channels:   st.format.Channels,
		Seq:        st.seq,
		Captured:   time.Now(),
	}
	st.seq++
	st.onFrame(frame)
}

// describeFlags renders PortAudio callback status flags as a readable list,
// e.g. "input overflow".
func describeFlags(flags pa.StreamCallbackFlags) string {
	var parts []string
	if flags&pa.InputUnderflow != 0 {
		parts = append(parts, "input underflow")
	}
	if flags&pa.InputOverflow != 0 {
		parts = append(parts, "input overflow")
	}
	if flags&pa.OutputUnderflow != 0 {
		parts = append(parts, "output underflow")
	}
	if flags&pa.OutputOverflow != 0 {
		parts = append(parts, "output overflow")
	}
	if flags&pa.PrimingOutput != 0 {
		parts = append(parts, "priming output")
	}
	if len(parts) == 0 {
		return fmt.Sprintf("flags 0x%x", uint64(flags))
	}
	return strings.Join(parts, ", ")
}
