// Package mock provides test doubles for the stt package interfaces.
//
// Use Transcriber to verify that the caller submits the expected audio and
// decode options, and to script the segments or errors each call returns.
//
// Example:
//
//	tr := &mock.Transcriber{
//	    Results: [][]stt.Segment{{{Text: "こんにちは"}}},
//	}
//	segs, _ := tr.Transcribe(ctx, samples, stt.DefaultDecodeOptions())
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	// Samples is a copy of the audio passed to Transcribe.
	Samples []float32
	// Opts is the DecodeOptions passed to Transcribe.
	Opts stt.DecodeOptions
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// Rate is returned by SampleRate. Defaults to stt.DefaultSampleRate.
	Rate int

	// Results is consumed front to back, one entry per call. Once exhausted,
	// calls return nil segments.
	Results [][]stt.Segment

	// Errs is consumed front to back, one entry per call. A nil entry lets
	// that call succeed. Once exhausted, Err applies.
	Errs []error

	// Err is returned by every call once Errs is exhausted.
	Err error

	// Func, if set, replaces the scripted behaviour entirely.
	Func func(ctx context.Context, samples []float32, opts stt.DecodeOptions) ([]stt.Segment, error)

	// Block, if non-nil, makes every call wait until the channel is closed or
	// receives a value, or ctx is done.
	Block chan struct{}

	// Calls records every call to Transcribe.
	Calls []TranscribeCall

	inflight    int
	maxInflight int
}

// Name implements stt.Named.
func (t *Transcriber) Name() string {
	if t.NameValue == "" {
		return "mock"
	}
	return t.NameValue
}

// SampleRate implements stt.Transcriber.
func (t *Transcriber) SampleRate() int {
	if t.Rate <= 0 {
		return stt.DefaultSampleRate
	}
	return t.Rate
}

// Transcribe records the call and returns the next scripted result.
func (t *Transcriber) Transcribe(ctx context.Context, samples []float32, opts stt.DecodeOptions) ([]stt.Segment, error) {
	cp := make([]float32, len(samples))
	copy(cp, samples)

	t.mu.Lock()
	t.Calls = append(t.Calls, TranscribeCall{Samples: cp, Opts: opts})
	t.inflight++
	if t.inflight > t.maxInflight {
		t.maxInflight = t.inflight
	}
	fn := t.Func
	block := t.Block
	var (
		segs []stt.Segment
		err  error
	)
	if len(t.Results) > 0 {
		segs = t.Results[0]
		t.Results = t.Results[1:]
	}
	if len(t.Errs) > 0 {
		err = t.Errs[0]
		t.Errs = t.Errs[1:]
	} else {
		err = t.Err
	}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.inflight--
		t.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, samples, opts)
	}
	if err != nil {
		return nil, err
	}
	return segs, nil
}

// CallCount returns the number of Transcribe calls so far.
func (t *Transcriber) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Calls)
}

// MaxInflight returns the highest number of concurrent Transcribe calls
// observed.
func (t *Transcriber) MaxInflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxInflight
}

// Reset clears all recorded calls. Thread-safe.
func (t *Transcriber) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = nil
	t.maxInflight = 0
}
