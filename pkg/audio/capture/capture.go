// Package capture defines the contract between earshot and an audio input
// device.
//
// The two primary abstractions are:
//
//   - [Source] enumerates devices and opens a [Stream] on one of them.
//   - [Stream] is an open device handle that delivers [audio.Frame] values to
//     a callback on a dedicated capture goroutine until stopped.
//
// Implementations are provided by backend packages (e.g., audio/portaudio).
// The audio/mock package provides an in-memory implementation for tests.
package capture

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrWong99/earshot/pkg/audio"
)

// ErrDeviceUnavailable is returned by [Source.Open] when the requested device
// does not exist, cannot be opened with the requested format, or is already
// held by another open [Stream].
var ErrDeviceUnavailable = errors.New("capture: device unavailable")

// ErrStatusWarning wraps non-fatal status conditions reported by the capture
// subsystem during a callback (input overflow, underflow). Capture continues
// after such a warning.
var ErrStatusWarning = errors.New("capture: status warning")

// DeviceSpec selects a capture device either by its enumeration index or by
// name. A spec with Index < 0 and an empty Name selects the system default
// input device.
type DeviceSpec struct {
	// Index is the position of the device in [Source.Devices]. Negative means
	// "not selected by index".
	Index int

	// Name is matched case-insensitively against [DeviceInfo.Name]; an exact
	// match wins over a substring match.
	Name string
}

// DefaultDevice selects the system default input device.
var DefaultDevice = DeviceSpec{Index: -1}

// IsDefault reports whether the spec selects the system default device.
func (d DeviceSpec) IsDefault() bool {
	return d.Index < 0 && d.Name == ""
}

// String returns the form accepted by [ParseDevice].
func (d DeviceSpec) String() string {
	switch {
	case d.Index >= 0:
		return strconv.Itoa(d.Index)
	case d.Name != "":
		return d.Name
	default:
		return "default"
	}
}

// ParseDevice converts a configuration value into a [DeviceSpec]. The empty
// string and "default" select the default device; a non-negative integer
// selects by index; anything else selects by name.
func ParseDevice(s string) DeviceSpec {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "default") {
		return DefaultDevice
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return DeviceSpec{Index: n}
	}
	return DeviceSpec{Index: -1, Name: s}
}

// DeviceInfo describes one enumerated input device.
type DeviceInfo struct {
	Index             int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
	Default           bool
}

// Resolve finds the device selected by spec in devices. Only devices with at
// least one input channel are considered. It returns [ErrDeviceUnavailable]
// (wrapped with detail) when nothing matches.
func Resolve(spec DeviceSpec, devices []DeviceInfo) (DeviceInfo, error) {
	inputs := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			inputs = append(inputs, d)
		}
	}

	switch {
	case spec.Index >= 0:
		for _, d := range inputs {
			if d.Index == spec.Index {
				return d, nil
			}
		}
		return DeviceInfo{}, fmt.Errorf("%w: no input device at index %d", ErrDeviceUnavailable, spec.Index)

	case spec.Name != "":
		var partial []DeviceInfo
		for _, d := range inputs {
			if strings.EqualFold(d.Name, spec.Name) {
				return d, nil
			}
			if strings.Contains(strings.ToLower(d.Name), strings.ToLower(spec.Name)) {
				partial = append(partial, d)
			}
		}
		if len(partial) == 1 {
			return partial[0], nil
		}
		if len(partial) > 1 {
			return DeviceInfo{}, fmt.Errorf("%w: device name %q is ambiguous (%d matches)", ErrDeviceUnavailable, spec.Name, len(partial))
		}
		return DeviceInfo{}, fmt.Errorf("%w: no input device named %q", ErrDeviceUnavailable, spec.Name)

	default:
		for _, d := range inputs {
			if d.Default {
				return d, nil
			}
		}
		return DeviceInfo{}, fmt.Errorf("%w: no default input device", ErrDeviceUnavailable)
	}
}

// StreamConfig is the format requested when opening a device.
type StreamConfig struct {
	// SampleRate in Hz. Loopback devices usually run at 48000.
	SampleRate int

	// Channels is the number of interleaved input channels (2 for stereo).
	Channels int

	// FramesPerBuffer is the callback buffer size in sample frames. Zero lets
	// the backend choose.
	FramesPerBuffer int
}

// FrameFunc receives every captured buffer. It runs on the capture goroutine
// and must not block: no I/O, and no lock held for longer than O(1).
type FrameFunc func(audio.Frame)

// StatusFunc receives non-fatal status conditions wrapped in
// [ErrStatusWarning]. It runs on the capture goroutine and must not block.
type StatusFunc func(error)

// Stream is an open capture device.
//
// Implementations must be safe for concurrent use, but the controller only
// calls Start, Stop and Close from a single goroutine at a time.
type Stream interface {
	// Start begins invoking onFrame for every captured buffer. onStatus may be
	// nil. Calling Start on a running or closed stream returns an error.
	Start(onFrame FrameFunc, onStatus StatusFunc) error

	// Stop halts capture and blocks until every in-flight callback has
	// returned; no callback fires after Stop returns. Stop is idempotent.
	Stop() error

	// Close stops the stream if necessary and releases the device so it can
	// be opened again. Calling Close more than once is safe and returns nil.
	Close() error
}

// Source opens capture streams on input devices.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Devices enumerates the input devices currently visible to the backend.
	Devices() ([]DeviceInfo, error)

	// Open acquires the device selected by spec with the given format. It
	// fails with [ErrDeviceUnavailable] if the device does not exist or is
	// already held by another open Stream.
	Open(spec DeviceSpec, cfg StreamConfig) (Stream, error)
}
