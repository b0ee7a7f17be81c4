// Package stt defines the Transcriber interface for speech-to-text backends.
//
// A Transcriber wraps a batch transcription engine (a local whisper.cpp model,
// a whisper-server instance, or a hosted API) and exposes a uniform call: one
// buffer of mono float32 PCM at the model rate goes in, the ordered list of
// recognised text segments comes out. Segmentation of the live stream into
// utterances happens upstream; a Transcriber never sees a partial utterance.
//
// Implementations must be safe for concurrent use. Backends that cannot run
// inference concurrently serialise internally.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned by Transcribe when called with no samples.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Transcriber is the abstraction over any batch STT backend.
type Transcriber interface {
	// Transcribe recognises speech in samples, which must be mono float32 PCM
	// at SampleRate Hz normalised to [-1.0, 1.0]. Segments are returned in the
	// order the model produced them.
	//
	// Returns an error if the backend fails or ctx is cancelled before a
	// result is available. An utterance with no recognisable speech yields a
	// nil slice and a nil error.
	Transcribe(ctx context.Context, samples []float32, opts DecodeOptions) ([]Segment, error)

	// SampleRate reports the input rate in Hz the backend expects.
	SampleRate() int
}

// Named is implemented by transcribers that can report a short identifier for
// logs and metrics (e.g., "whisper-native").
type Named interface {
	Name() string
}

// NameOf returns t's name if it implements [Named], or "unknown".
func NameOf(t Transcriber) string {
	if n, ok := t.(Named); ok {
		return n.Name()
	}
	return "unknown"
}
