// Package whisper provides whisper.cpp-backed transcribers.
//
// Two flavours are available:
//
//   - [Native] links whisper.cpp through its CGO bindings and runs inference
//     in-process.
//   - [Server] talks to a running whisper-server binary (which exposes a REST
//     API at POST /inference) and uploads each utterance as a WAV file.
//
// Both accept 16 kHz mono float32 PCM and return the model's segments in
// order.
//
// Usage:
//
//	t, err := whisper.NewServer("http://localhost:8080", whisper.WithTimeout(time.Minute))
//	segs, err := t.Transcribe(ctx, samples, stt.DefaultDecodeOptions())
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

const defaultTimeout = 60 * time.Second

// Compile-time assertion that Server implements stt.Transcriber.
var _ stt.Transcriber = (*Server)(nil)

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "large-v3"). When empty the server uses whichever model it was
// started with. This is the default.
func WithModel(model string) Option {
	return func(p *Server) {
		p.model = model
	}
}

// WithTimeout sets the HTTP client timeout for a single inference request.
// Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Server) {
		p.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client entirely. Useful for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Server) {
		p.httpClient = c
	}
}

// Server implements stt.Transcriber backed by a whisper.cpp HTTP server. The
// server queues requests itself, so Server places no limit on concurrent
// calls.
type Server struct {
	serverURL  string
	model      string
	httpClient *http.Client
}

// NewServer creates a Server that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func NewServer(serverURL string, opts ...Option) (*Server, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Server{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Named.
func (p *Server) Name() string { return "whisper-server" }

// SampleRate implements stt.Transcriber.
func (p *Server) SampleRate() int { return stt.DefaultSampleRate }

// Transcribe encodes samples as a WAV file and POSTs it to the whisper.cpp
// /inference endpoint as multipart/form-data.
func (p *Server) Transcribe(ctx context.Context, samples []float32, opts stt.DecodeOptions) ([]stt.Segment, error) {
	if len(samples) == 0 {
		return nil, stt.ErrEmptyAudio
	}

	body, contentType, err := p.buildForm(samples, opts)
	if err != nil {
		return nil, err
	}

	endpoint := p.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("whisper: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var result serverResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("whisper: server error: %s", result.Error)
	}
	return serverSegments(result), nil
}

func (p *Server) buildForm(samples []float32, opts stt.DecodeOptions) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "segment.wav")
	if err != nil {
		return nil, "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if err := audio.EncodeWAV(fw, samples, p.SampleRate()); err != nil {
		return nil, "", fmt.Errorf("whisper: write wav data: %w", err)
	}

	fields := [][2]string{
		{"response_format", "verbose_json"},
		{"temperature", strconv.FormatFloat(opts.Temperature, 'f', -1, 64)},
	}
	if opts.Language != "" {
		fields = append(fields, [2]string{"language", opts.Language})
	}
	if opts.BeamSize > 0 {
		fields = append(fields, [2]string{"beam_size", strconv.Itoa(opts.BeamSize)})
	}
	if opts.BestOf > 0 {
		fields = append(fields, [2]string{"best_of", strconv.Itoa(opts.BestOf)})
	}
	if p.model != "" {
		fields = append(fields, [2]string{"model", p.model})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("whisper: write %s field: %w", f[0], err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}

// serverResponse is the verbose_json body returned by whisper-server.
type serverResponse struct {
	Text     string `json:"text"`
	Error    string `json:"error"`
	Segments []struct {
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"segments"`
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
