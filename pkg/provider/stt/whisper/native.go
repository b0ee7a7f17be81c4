// This file contains the Native transcriber backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// Compile-time assertion that Native satisfies stt.Transcriber.
var _ stt.Transcriber = (*Native)(nil)

// Native implements stt.Transcriber using whisper.cpp Go bindings (CGO). The
// model is loaded once at startup and shared by all calls; every call gets a
// fresh whisper context so no decoder state leaks between segments.
type Native struct {
	model whisperlib.Model

	// whisper.cpp contexts created from the same model share GPU/CPU backend
	// buffers, so inference is serialised.
	inferMu sync.Mutex

	threads uint

	warnOnce sync.Once
}

// NativeOption is a functional option for configuring a Native transcriber.
type NativeOption func(*Native)

// WithNativeThreads sets the number of CPU threads whisper.cpp uses per call.
// Zero keeps the library default.
func WithNativeThreads(n uint) NativeOption {
	return func(p *Native) { p.threads = n }
}

// NewNative creates a Native transcriber that loads the whisper.cpp model from
// the given file path. The caller must call Close when the transcriber is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*Native, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &Native{model: model}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Named.
func (p *Native) Name() string { return "whisper-native" }

// SampleRate implements stt.Transcriber. whisper.cpp always consumes 16 kHz.
func (p *Native) SampleRate() int { return whisperlib.SampleRate }

// Close releases the whisper model.
func (p *Native) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp inference on samples and returns the produced
// segments in order. opts.BestOf is not exposed by the bindings and is
// ignored.
func (p *Native) Transcribe(ctx context.Context, samples []float32, opts stt.DecodeOptions) ([]stt.Segment, error) {
	if len(samples) == 0 {
		return nil, stt.ErrEmptyAudio
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if opts.BestOf > 1 {
		p.warnOnce.Do(func() {
			slog.Warn("whisper: best_of is not supported by the native bindings, ignoring", "best_of", opts.BestOf)
		})
	}

	p.inferMu.Lock()
	defer p.inferMu.Unlock()

	// The lock may have been held by a long inference.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}
	applyOptions(wctx, opts, p.threads)

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	var segs []stt.Segment
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		segs = append(segs, fromLibSegment(segment))
	}
	return stt.TrimSegments(segs), nil
}

// applyOptions copies decode options onto a fresh whisper context.
func applyOptions(wctx whisperlib.Context, opts stt.DecodeOptions, threads uint) {
	if opts.Language != "" {
		if err := wctx.SetLanguage(opts.Language); err != nil {
			slog.Warn("whisper: failed to set language, using auto-detect", "language", opts.Language, "err", err)
		}
	}
	wctx.SetTranslate(false)
	if opts.BeamSize > 0 {
		wctx.SetBeamSize(opts.BeamSize)
	}
	wctx.SetTemperature(float32(opts.Temperature))
	if threads > 0 {
		wctx.SetThreads(threads)
	}
}
