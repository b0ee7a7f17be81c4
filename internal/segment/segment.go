// Package segment buffers captured frames into utterances.
//
// An [Accumulator] receives frames from the capture goroutine and hands the
// whole buffer over in one step when the controller drains it. Every frame
// appended lands in exactly one drained [Segment]; after Drain returns the
// accumulator never touches the returned frames again.
package segment

import (
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Segment is an ordered run of frames collected between two drains.
type Segment struct {
	// Seq is the drain counter of the accumulator that produced the segment,
	// starting at 1. The transcription dispatcher assigns its own sequence.
	Seq uint64

	// Frames in capture order.
	Frames []audio.Frame

	// Format of the frames. Zero when the segment is empty.
	Format audio.Format

	// HasSpeech reports whether at least one frame was marked active when it
	// was appended.
	HasSpeech bool

	// Samples is the total number of interleaved samples across Frames.
	Samples int
}

// Empty reports whether the segment holds no frames.
func (s Segment) Empty() bool { return len(s.Frames) == 0 }

// Flatten concatenates the interleaved samples of all frames.
func (s Segment) Flatten() []float32 { return audio.Flatten(s.Frames) }

// Duration returns the playback length of the segment.
func (s Segment) Duration() time.Duration {
	if s.Format.SampleRate <= 0 || s.Format.Channels <= 0 {
		return 0
	}
	return time.Duration(s.Samples/s.Format.Channels) * time.Second / time.Duration(s.Format.SampleRate)
}

// Accumulator collects frames until drained. It is safe for one appending
// goroutine and any number of draining or inspecting goroutines.
type Accumulator struct {
	mu        sync.Mutex
	frames    []audio.Frame
	samples   int
	hasSpeech bool
	format    audio.Format
	drains    uint64
	capHint   int
}

// NewAccumulator returns an empty accumulator. capHint pre-sizes the buffer
// that replaces a drained one; zero lets it grow on demand.
func NewAccumulator(capHint int) *Accumulator {
	if capHint < 0 {
		capHint = 0
	}
	return &Accumulator{capHint: capHint, frames: make([]audio.Frame, 0, capHint)}
}

// Append adds frame to the current segment. active marks the frame as
// speech. Append holds the lock only for the slice append.
func (a *Accumulator) Append(frame audio.Frame, active bool) {
	a.mu.Lock()
	a.frames = append(a.frames, frame)
	a.samples += len(frame.Samples)
	if active {
		a.hasSpeech = true
	}
	if a.format == (audio.Format{}) {
		a.format = frame.Format()
	}
	a.mu.Unlock()
}

// Drain swaps in a fresh buffer and returns everything appended since the
// previous drain. The caller owns the returned frames.
func (a *Accumulator) Drain() Segment {
	fresh := make([]audio.Frame, 0, a.capHint)

	a.mu.Lock()
	a.drains++
	seg := Segment{
		Seq:       a.drains,
		Frames:    a.frames,
		Format:    a.format,
		HasSpeech: a.hasSpeech,
		Samples:   a.samples,
	}
	a.frames = fresh
	a.samples = 0
	a.hasSpeech = false
	a.format = audio.Format{}
	a.mu.Unlock()

	return seg
}

// Len returns the number of buffered frames.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.frames)
}

// Empty reports whether no frame is buffered.
func (a *Accumulator) Empty() bool { return a.Len() == 0 }

// HasSpeech reports whether the buffer holds at least one active frame.
func (a *Accumulator) HasSpeech() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasSpeech
}

// Buffered returns the playback length of the buffered audio.
func (a *Accumulator) Buffered() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Segment{Format: a.format, Samples: a.samples}.Duration()
}
