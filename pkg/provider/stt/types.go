package stt

import (
	"strings"
	"time"
)

// DefaultSampleRate is the input rate of whisper-family models.
const DefaultSampleRate = 16000

// DecodeOptions controls the model's search strategy for one Transcribe call.
type DecodeOptions struct {
	// BeamSize is the beam width for beam-search decoding. Zero or one selects
	// greedy decoding where the backend distinguishes the two.
	BeamSize int

	// BestOf is the number of candidates sampled when temperature > 0. Backends
	// without the knob ignore it.
	BestOf int

	// Temperature is the sampling temperature. Zero means deterministic
	// decoding.
	Temperature float64

	// Language is the ISO 639-1 code of the spoken language (e.g., "ja", "en").
	// An empty string lets the backend auto-detect, if supported.
	Language string
}

// DefaultDecodeOptions returns the decoding profile used for Japanese
// transcription: beam 10, best-of 10, greedy temperature.
func DefaultDecodeOptions() DecodeOptions {
	return DecodeOptions{
		BeamSize:    10,
		BestOf:      10,
		Temperature: 0,
		Language:    "ja",
	}
}

// Segment is one unit of recognised text.
type Segment struct {
	// Text is the recognised content with surrounding whitespace removed.
	Text string

	// Start and End are offsets relative to the start of the submitted audio.
	// Both are zero if the backend does not report timing.
	Start time.Duration
	End   time.Duration
}

// Lines returns the trimmed text of every segment in order. A segment that
// trims to nothing yields an empty line.
func Lines(segs []Segment) []string {
	if len(segs) == 0 {
		return nil
	}
	out := make([]string, len(segs))
	for i, s := range segs {
		out[i] = strings.TrimSpace(s.Text)
	}
	return out
}

// TrimSegments strips surrounding whitespace from every segment in place and
// returns segs. Segments left empty are kept.
func TrimSegments(segs []Segment) []Segment {
	for i := range segs {
		segs[i].Text = strings.TrimSpace(segs[i].Text)
	}
	return segs
}

// TextSegment wraps a backend's whole-audio transcript in a single segment
// ending at end. Blank text means the backend recognised nothing, and
// TextSegment returns nil.
func TextSegment(text string, end time.Duration) []Segment {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return []Segment{{Text: text, End: end}}
}
