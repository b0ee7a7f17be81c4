// Package openai provides an stt.Transcriber backed by the OpenAI audio
// transcription API (or any server that implements the same endpoint, such
// as a self-hosted faster-whisper gateway).
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = oai.AudioModelWhisper1

// Ensure Transcriber implements the stt.Transcriber interface.
var _ stt.Transcriber = (*Transcriber)(nil)

// Transcriber implements stt.Transcriber using the OpenAI API. Each call
// uploads one utterance as a 16 kHz mono WAV file and returns the response
// text as a single segment.
type Transcriber struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the transcriber.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	maxRetries   int
}

// Option is a functional option for Transcriber.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often the client retries a failed request before
// giving up. Defaults to 0 so that fallback handling stays with the caller.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// New constructs a new OpenAI Transcriber.
// If model is empty, DefaultModel (whisper-1) is used.
func New(apiKey string, model string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Transcriber{client: client, model: model}, nil
}

// Name implements stt.Named.
func (t *Transcriber) Name() string { return "openai" }

// ModelID returns the configured model name.
func (t *Transcriber) ModelID() string { return t.model }

// SampleRate implements stt.Transcriber. The API accepts any WAV rate; 16 kHz
// keeps uploads small and matches what the model resamples to.
func (t *Transcriber) SampleRate() int { return stt.DefaultSampleRate }

// Transcribe implements stt.Transcriber. BeamSize and BestOf have no API
// equivalent and are ignored.
func (t *Transcriber) Transcribe(ctx context.Context, samples []float32, opts stt.DecodeOptions) ([]stt.Segment, error) {
	if len(samples) == 0 {
		return nil, stt.ErrEmptyAudio
	}

	var wav bytes.Buffer
	wav.Grow(44 + 2*len(samples))
	if err := audio.EncodeWAV(&wav, samples, t.SampleRate()); err != nil {
		return nil, fmt.Errorf("openai stt: encode wav: %w", err)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, buildParams(t.model, &wav, opts))
	if err != nil {
		return nil, fmt.Errorf("openai stt: transcribe: %w", err)
	}

	duration := audio.Frame{Samples: samples, SampleRate: t.SampleRate(), Channels: 1}.Duration()
	return stt.TextSegment(resp.Text, duration), nil
}

func buildParams(model string, wav *bytes.Buffer, opts stt.DecodeOptions) oai.AudioTranscriptionNewParams {
	params := oai.AudioTranscriptionNewParams{
		File:        oai.File(wav, "segment.wav", "audio/wav"),
		Model:       oai.AudioModel(model),
		Temperature: param.NewOpt(opts.Temperature),
	}
	if opts.Language != "" {
		params.Language = param.NewOpt(opts.Language)
	}
	return params
}
