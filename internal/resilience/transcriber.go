package resilience

import (
	"context"

	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// Compile-time assertions.
var (
	_ stt.Transcriber = (*TranscriberFallback)(nil)
	_ stt.Named       = (*TranscriberFallback)(nil)
)

// TranscriberFallback is an stt.Transcriber that routes each call through a
// [FallbackGroup] of transcribers.
//
// All entries must consume audio at the primary's sample rate; callers resample
// once, before Transcribe, using [TranscriberFallback.SampleRate].
type TranscriberFallback struct {
	group *FallbackGroup[stt.Transcriber]
}

// NewTranscriberFallback creates a TranscriberFallback with primary as the
// first entry. The entry name defaults to stt.NameOf(primary) when name is
// empty.
func NewTranscriberFallback(primary stt.Transcriber, name string, cfg FallbackConfig) *TranscriberFallback {
	if name == "" {
		name = stt.NameOf(primary)
	}
	return &TranscriberFallback{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback registers another transcriber tried after the existing ones.
func (f *TranscriberFallback) AddFallback(name string, t stt.Transcriber) {
	if name == "" {
		name = stt.NameOf(t)
	}
	f.group.AddFallback(name, t)
}

// Group exposes the underlying group, e.g. for breaker inspection.
func (f *TranscriberFallback) Group() *FallbackGroup[stt.Transcriber] { return f.group }

// Name implements stt.Named and reports the primary's name.
func (f *TranscriberFallback) Name() string { return f.group.Names()[0] }

// SampleRate implements stt.Transcriber and reports the primary's rate.
func (f *TranscriberFallback) SampleRate() int { return f.group.Primary().SampleRate() }

// Transcribe implements stt.Transcriber. Empty audio is rejected up front so
// that it does not count as a backend failure.
func (f *TranscriberFallback) Transcribe(ctx context.Context, samples []float32, opts stt.DecodeOptions) ([]stt.Segment, error) {
	if len(samples) == 0 {
		return nil, stt.ErrEmptyAudio
	}
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, t stt.Transcriber) ([]stt.Segment, error) {
		return t.Transcribe(ctx, samples, opts)
	})
}
