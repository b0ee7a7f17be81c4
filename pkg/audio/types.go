package audio

import "time"

// Frame is a single buffer of captured audio. Frames are the atomic unit of
// transport between the capture callback, the silence detector, and the
// segment accumulator.
//
// A Frame is immutable once emitted by a capture stream: consumers may read
// Samples concurrently but must never write to them.
type Frame struct {
	// Samples holds interleaved float32 PCM normalised to [-1.0, 1.0].
	// For stereo input the layout is L0 R0 L1 R1 ...
	Samples []float32

	// SampleRate in Hz (e.g., 48000 for device capture, 16000 for STT).
	SampleRate int

	// Channels is the number of interleaved channels in Samples.
	Channels int

	// Seq is the arrival order of the frame within its capture stream,
	// starting at 0.
	Seq uint64

	// Captured is the wall-clock time the capture callback received the frame.
	Captured time.Time
}

// Frames returns the number of sample frames (samples per channel).
func (f Frame) Frames() int {
	if f.Channels <= 0 {
		return len(f.Samples)
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the playback duration of the frame. Zero when the sample
// rate is unknown.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Frames()) * time.Second / time.Duration(f.SampleRate)
}

// Format returns the sample rate and channel count of the frame.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}
