package app_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/archive"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/listen"
	"github.com/MrWong99/earshot/internal/observe"
	audiomock "github.com/MrWong99/earshot/pkg/audio/mock"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	sttmock "github.com/MrWong99/earshot/pkg/provider/stt/mock"
)

// 10 ms of 48 kHz stereo.
const frameSamples = 960

// syncBuffer is a bytes.Buffer safe for the sink writer and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testConfig returns a valid config with a short silence window.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Providers.STT = config.ProviderEntry{Name: "mock"}
	cfg.Detection.SilenceWindow = 150 * time.Millisecond
	cfg.Detection.PollInterval = 20 * time.Millisecond
	cfg.Restart.Backoff = time.Millisecond
	cfg.Restart.MaxBackoff = 2 * time.Millisecond
	cfg.Server.ShutdownTimeout = 2 * time.Second
	config.ApplyDefaults(cfg)
	return cfg
}

func noopMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type testApp struct {
	app *app.App
	src *audiomock.Source
	in  *io.PipeWriter
	out *syncBuffer
	run chan error
}

// startApp builds the app, runs it in the background and shuts it down when
// the test ends.
func startApp(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *testApp {
	t.Helper()
	if providers.Source == nil {
		providers.Source = &audiomock.Source{ExclusiveDevices: true}
	}
	pr, pw := io.Pipe()
	ta := &testApp{
		src: providers.Source.(*audiomock.Source),
		in:  pw,
		out: &syncBuffer{},
		run: make(chan error, 1),
	}
	opts = append([]app.Option{
		app.WithInput(pr),
		app.WithOutput(ta.out),
		app.WithMetrics(noopMetrics(t)),
	}, opts...)

	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	ta.app = a

	ctx, cancel := context.WithCancel(context.Background())
	go func() { ta.run <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = pw.Close()
		shutCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = a.Shutdown(shutCtx)
	})
	return ta
}

func (ta *testApp) send(t *testing.T, cmd string) {
	t.Helper()
	if _, err := io.WriteString(ta.in, cmd+"\n"); err != nil {
		t.Fatalf("write command %q: %v", cmd, err)
	}
}

func (ta *testApp) running() bool {
	st := ta.src.LastStream()
	return st != nil && st.IsRunning()
}

func (ta *testApp) speak(t *testing.T, frames int) {
	t.Helper()
	s := make([]float32, frameSamples)
	for i := range s {
		s[i] = 0.5
	}
	for range frames {
		if !ta.src.LastStream().Emit(s) {
			t.Fatal("stream rejected a frame")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (ta *testApp) waitOutput(t *testing.T, want string) {
	t.Helper()
	waitFor(t, "output "+want, func() bool { return strings.Contains(ta.out.String(), want) })
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		providers *app.Providers
	}{
		{"nil", nil},
		{"no source", &app.Providers{STT: &sttmock.Transcriber{}}},
		{"no transcriber", &app.Providers{Source: &audiomock.Source{}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := app.New(context.Background(), testConfig(), tc.providers); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestNew_RateMismatch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		providers *app.Providers
	}{
		{
			name: "primary",
			providers: &app.Providers{
				Source: &audiomock.Source{},
				STT:    &sttmock.Transcriber{Rate: 8000},
			},
		},
		{
			name: "fallback",
			providers: &app.Providers{
				Source:    &audiomock.Source{},
				STT:       &sttmock.Transcriber{},
				Fallbacks: []app.NamedTranscriber{{Name: "slow", Transcriber: &sttmock.Transcriber{Rate: 24000}}},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := app.New(context.Background(), testConfig(), tc.providers, app.WithMetrics(noopMetrics(t)))
			if !errors.Is(err, app.ErrRateMismatch) {
				t.Fatalf("err = %v, want ErrRateMismatch", err)
			}
		})
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

func TestApp_ListenTranscribeStop(t *testing.T) {
	t.Parallel()
	tr := &sttmock.Transcriber{Results: [][]stt.Segment{{{Text: " こんにちは "}}, {{Text: "さようなら"}}}}
	ta := startApp(t, testConfig(), &app.Providers{STT: tr})

	ta.send(t, "start")
	waitFor(t, "capture running", ta.running)
	ta.speak(t, 30)
	ta.waitOutput(t, "こんにちは")

	// The flush reopened the device for the next utterance.
	waitFor(t, "capture reopened", func() bool { return ta.src.OpenCount() == 2 && ta.running() })
	ta.speak(t, 10)
	ta.send(t, "stop listening")
	ta.waitOutput(t, listen.LineStopped)
	ta.waitOutput(t, "さようなら")

	ta.send(t, "quit")
	select {
	case err := <-ta.run:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after quit")
	}

	out := ta.out.String()
	for _, want := range []string{listen.LineStarted, listen.LineProcessing, "こんにちは\n", listen.LineStopped} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if n := tr.CallCount(); n != 2 {
		t.Errorf("transcriber calls = %d, want 2", n)
	}
	call := tr.Calls[0]
	if call.Opts != stt.DefaultDecodeOptions() {
		t.Errorf("decode options = %+v, want defaults", call.Opts)
	}
	// 30 frames of 10 ms at 16 kHz mono.
	if got := len(call.Samples); got != 30*160 {
		t.Errorf("samples = %d, want %d", got, 30*160)
	}
}

func TestApp_Commands(t *testing.T) {
	t.Parallel()
	ta := startApp(t, testConfig(), &app.Providers{STT: &sttmock.Transcriber{}})

	ta.send(t, "status")
	ta.waitOutput(t, "Status: idle")

	ta.send(t, "dance")
	ta.waitOutput(t, `Unknown command "dance"`)

	ta.send(t, "  START  ")
	waitFor(t, "capture running", ta.running)
	ta.send(t, "status")
	ta.waitOutput(t, "Status: listening (session ")

	ta.send(t, "")
	ta.send(t, "exit")
	select {
	case err := <-ta.run:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after exit")
	}
}

func TestApp_StartFailureReported(t *testing.T) {
	t.Parallel()
	src := &audiomock.Source{OpenError: errors.New("no such device")}
	ta := startApp(t, testConfig(), &app.Providers{Source: src, STT: &sttmock.Transcriber{}})

	ta.send(t, "start")
	ta.waitOutput(t, "Could not start listening")
	if got := ta.app.Controller().State(); got != listen.Idle {
		t.Fatalf("state = %v, want idle", got)
	}
	ta.send(t, "status")
	ta.waitOutput(t, "last error")
}

func TestApp_AutostartSurvivesInputEOF(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Capture.Autostart = true
	src := &audiomock.Source{ExclusiveDevices: true}

	a, err := app.New(context.Background(), cfg, &app.Providers{Source: src, STT: &sttmock.Transcriber{}},
		app.WithInput(strings.NewReader("")),
		app.WithOutput(io.Discard),
		app.WithMetrics(noopMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := make(chan error, 1)
	go func() { run <- a.Run(ctx) }()

	waitFor(t, "autostart", func() bool { return a.Controller().State() == listen.Listening })

	// Input already hit EOF; Run must keep going until cancelled.
	select {
	case err := <-run:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-run:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := a.Shutdown(shutCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := a.Controller().State(); got != listen.Idle {
		t.Fatalf("state after shutdown = %v, want idle", got)
	}
	if err := a.Shutdown(shutCtx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestApp_ShutdownFlushesFinalSegment(t *testing.T) {
	t.Parallel()
	tr := &sttmock.Transcriber{Results: [][]stt.Segment{{{Text: "最後"}}}}
	cfg := testConfig()
	cfg.Detection.SilenceWindow = time.Minute
	cfg.Detection.PollInterval = 50 * time.Millisecond
	out := &syncBuffer{}
	src := &audiomock.Source{ExclusiveDevices: true}

	a, err := app.New(context.Background(), cfg, &app.Providers{Source: src, STT: tr},
		app.WithInput(strings.NewReader("start\n")),
		app.WithOutput(out),
		app.WithMetrics(noopMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	run := make(chan error, 1)
	go func() { run <- a.Run(ctx) }()

	waitFor(t, "capture running", func() bool {
		st := src.LastStream()
		return st != nil && st.IsRunning()
	})
	s := make([]float32, frameSamples)
	for i := range s {
		s[i] = 0.3
	}
	for range 5 {
		src.LastStream().Emit(s)
	}

	cancel()
	<-run
	shutCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := a.Shutdown(shutCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !strings.Contains(out.String(), "最後") {
		t.Fatalf("final segment not transcribed:\n%s", out.String())
	}
}

// ─── Fallback metrics ────────────────────────────────────────────────────────

func TestApp_FallbackRecordsProviderRequests(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	primary := &sttmock.Transcriber{NameValue: "whisper-native", Err: errors.New("gpu lost")}
	backup := &sttmock.Transcriber{NameValue: "whisper-server", Results: [][]stt.Segment{{{Text: "予備"}}}}
	ta := startApp(t, testConfig(), &app.Providers{
		STT:       primary,
		Fallbacks: []app.NamedTranscriber{{Name: "whisper-server", Transcriber: backup}},
	}, app.WithMetrics(m))

	ta.send(t, "start")
	waitFor(t, "capture running", ta.running)
	ta.speak(t, 20)
	ta.waitOutput(t, "予備")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "earshot.provider.requests" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("provider.requests data = %T", met.Data)
			}
			for _, dp := range sum.DataPoints {
				p, _ := dp.Attributes.Value(attribute.Key("provider"))
				s, _ := dp.Attributes.Value(attribute.Key("status"))
				got[p.AsString()+"/"+s.AsString()] += dp.Value
			}
		}
	}
	if got["mock/error"] != 1 {
		t.Errorf("primary error count = %d, want 1 (all: %v)", got["mock/error"], got)
	}
	if got["whisper-server/ok"] != 1 {
		t.Errorf("fallback ok count = %d, want 1 (all: %v)", got["whisper-server/ok"], got)
	}
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

func TestApp_HTTPRoutes(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	a, err := app.New(context.Background(), cfg, &app.Providers{Source: &audiomock.Source{}, STT: &sttmock.Transcriber{}},
		app.WithInput(strings.NewReader("")),
		app.WithOutput(io.Discard),
		app.WithMetrics(noopMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	h := a.Handler()
	if h == nil {
		t.Fatal("Handler() = nil with listen_addr set")
	}

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/nope", http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest("GET", tc.path, nil))
			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}

func TestApp_NoHTTPWithoutListenAddr(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(), &app.Providers{Source: &audiomock.Source{}, STT: &sttmock.Transcriber{}},
		app.WithMetrics(noopMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if a.Handler() != nil {
		t.Fatal("Handler() should be nil without listen_addr")
	}
}

// ─── Archive ─────────────────────────────────────────────────────────────────

// archiveStore is an in-memory archive.Store with a configurable ping.
type archiveStore struct {
	mu      sync.Mutex
	entries []archive.Entry
	pingErr error
}

func (s *archiveStore) WriteEntries(_ context.Context, entries []archive.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *archiveStore) Recent(_ context.Context, sessionID string, _ int) ([]archive.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []archive.Entry
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *archiveStore) Search(context.Context, string, archive.SearchOpts) ([]archive.Entry, error) {
	return nil, nil
}

func (s *archiveStore) Ping(context.Context) error { return s.pingErr }

func (s *archiveStore) snapshot() []archive.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]archive.Entry(nil), s.entries...)
}

func TestApp_ArchivesTranscripts(t *testing.T) {
	t.Parallel()
	store := &archiveStore{}
	tr := &sttmock.Transcriber{Results: [][]stt.Segment{{{Text: "記録して"}}}}
	ta := startApp(t, testConfig(), &app.Providers{STT: tr, Archive: store},
		app.WithSessionIDs(func() string { return "sess-1" }),
	)

	ta.send(t, "start")
	waitFor(t, "capture running", ta.running)
	ta.speak(t, 20)
	ta.waitOutput(t, "記録して")
	ta.send(t, "stop")
	ta.waitOutput(t, listen.LineStopped)

	shutCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := ta.app.Shutdown(shutCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got := store.snapshot()
	if len(got) != 1 {
		t.Fatalf("archived %d entries, want 1: %+v", len(got), got)
	}
	if got[0].Text != "記録して" || got[0].SessionID != "sess-1" || got[0].Seq != 1 {
		t.Errorf("entry = %+v", got[0])
	}
}

func TestApp_ArchiveRoutes(t *testing.T) {
	t.Parallel()
	store := &archiveStore{
		entries: []archive.Entry{{SessionID: "s1", Seq: 1, Text: "保存済み"}},
		pingErr: errors.New("connection refused"),
	}
	cfg := testConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	a, err := app.New(context.Background(), cfg,
		&app.Providers{Source: &audiomock.Source{}, STT: &sttmock.Transcriber{}, Archive: store},
		app.WithInput(strings.NewReader("")),
		app.WithOutput(io.Discard),
		app.WithMetrics(noopMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	h := a.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/transcripts?session=s1", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "保存済み") {
		t.Errorf("/transcripts: status %d, body %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "archive") {
		t.Errorf("/readyz with failing archive: status %d, body %s", rec.Code, rec.Body)
	}
}
