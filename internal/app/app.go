// Package app wires all earshot subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the command loop and the optional HTTP server,
// and Shutdown tears everything down in order.
//
// For testing, inject mock implementations through [Providers] and the
// functional options (WithInput, WithOutput, WithMetrics).
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/archive"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/listen"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/internal/segment"
	"github.com/MrWong99/earshot/internal/silence"
	"github.com/MrWong99/earshot/internal/sink"
	"github.com/MrWong99/earshot/internal/sink/wsfeed"
	"github.com/MrWong99/earshot/internal/transcribe"
	"github.com/MrWong99/earshot/pkg/audio/capture"
	"github.com/MrWong99/earshot/pkg/provider/stt"
)

// ErrRateMismatch is returned by New when a transcriber's input rate differs
// from transcription.target_rate.
var ErrRateMismatch = errors.New("app: transcriber sample rate mismatch")

// drainTimeout bounds the wait for cancelled transcriptions to report.
const drainTimeout = time.Second

// Providers holds the externally constructed backends. Populated by main.go
// via the config registry.
type Providers struct {
	// Source opens capture streams. Required.
	Source capture.Source

	// STT is the primary transcriber. Required.
	STT stt.Transcriber

	// Fallbacks are tried in order when STT fails or its circuit is open.
	Fallbacks []NamedTranscriber

	// Archive stores transcript lines and serves /transcripts. Optional.
	Archive archive.Store
}

// NamedTranscriber is a fallback transcriber with the label used in logs and
// metrics.
type NamedTranscriber struct {
	Name        string
	Transcriber stt.Transcriber
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	in      io.Reader
	out     io.Writer
	metrics *observe.Metrics
	level   *slog.LevelVar
	watcher *config.Watcher
	ids     func() string

	// Subsystems; initialised in New, torn down in Shutdown.
	transcriber *resilience.TranscriberFallback
	detector    *silence.Detector
	dispatcher  *transcribe.Dispatcher
	controller  *listen.Controller
	sink        *sink.Fanout
	stdout      *sink.Writer
	feed        *wsfeed.Feed
	recorder    *archive.Recorder
	health      *health.Handler
	server      *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithInput sets the command input. Default: os.Stdin.
func WithInput(r io.Reader) Option {
	return func(a *App) { a.in = r }
}

// WithOutput sets where status lines and transcripts are printed.
// Default: os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets [App.Reload] change the log level of the handler that
// reads lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithWatcher runs w for the lifetime of [App.Run]. Its callback should call
// [App.Reload].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithSessionIDs replaces the listening session ID generator.
func WithSessionIDs(fn func() string) Option {
	return func(a *App) { a.ids = fn }
}

// WithCloser registers fn to run during Shutdown after the built-in
// subsystems, e.g. to release a capture backend or a model.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must have
// defaults applied and be valid.
//
// The pipeline is capture source → silence detector → accumulator →
// controller → dispatcher (over a transcriber fallback group) → sinks, with
// the archive recorder observing every released result.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Source == nil || providers.STT == nil {
		return nil, errors.New("app: capture source and transcriber are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		in:        os.Stdin,
		out:       os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}
	// Closers from options run after the built-in ones.
	extra := a.closers
	a.closers = nil
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Transcriber ───────────────────────────────────────────────────
	if err := a.initTranscriber(); err != nil {
		return nil, err
	}

	// ── 2. Sinks ─────────────────────────────────────────────────────────
	a.stdout = sink.NewWriter(a.out)
	a.sink = sink.NewFanout(a.stdout)
	if cfg.Server.ListenAddr != "" {
		a.feed = wsfeed.New(wsfeed.WithOriginPatterns(cfg.Server.FeedOrigins...))
		a.sink.Add(a.feed)
		a.closers = append(a.closers, func() error { a.feed.Close(); return nil })
	}

	// ── 3. Archive ───────────────────────────────────────────────────────
	if providers.Archive != nil {
		st := cfg.Storage
		a.recorder = archive.NewRecorder(providers.Archive,
			archive.WithBatchSize(st.BatchSize),
			archive.WithFlushInterval(st.FlushInterval),
			archive.WithQueueSize(st.QueueSize),
			archive.WithRecorderMetrics(a.metrics),
		)
		a.closers = append(a.closers, a.recorder.Close)
	}

	// ── 4. Dispatcher ────────────────────────────────────────────────────
	dec := cfg.Transcription.Decode
	dispOpts := []transcribe.Option{
		transcribe.WithMaxConcurrency(cfg.Transcription.MaxConcurrency),
		transcribe.WithMaxPending(cfg.Transcription.MaxPending),
		transcribe.WithOrdered(cfg.Transcription.IsOrdered()),
		transcribe.WithDecodeOptions(stt.DecodeOptions{
			BeamSize:    dec.BeamSize,
			BestOf:      dec.BestOf,
			Temperature: dec.Temperature,
			Language:    dec.Language,
		}),
		transcribe.WithJobTimeout(cfg.Transcription.Timeout),
		transcribe.WithMetrics(a.metrics),
	}
	if a.recorder != nil {
		dispOpts = append(dispOpts, transcribe.WithResultHook(a.recorder.Observe))
	}
	a.dispatcher = transcribe.New(a.transcriber, a.sink, dispOpts...)

	// ── 5. Detection + controller ────────────────────────────────────────
	a.detector = silence.New(
		silence.WithThreshold(cfg.Detection.Threshold),
		silence.WithWindow(cfg.Detection.SilenceWindow),
	)
	acc := segment.NewAccumulator(accumulatorHint(cfg))

	ctrlOpts := []listen.Option{listen.WithMetrics(a.metrics)}
	if a.ids != nil {
		ctrlOpts = append(ctrlOpts, listen.WithSessionIDs(a.ids))
	}
	a.controller = listen.New(listen.Config{
		Device: capture.ParseDevice(cfg.Capture.Device),
		Stream: capture.StreamConfig{
			SampleRate:      cfg.Capture.SampleRate,
			Channels:        cfg.Capture.Channels,
			FramesPerBuffer: cfg.Capture.FramesPerBuffer,
		},
		PollInterval: cfg.Detection.PollInterval,
		MaxSegment:   cfg.Detection.MaxSegment,
		Restart: listen.RestartPolicy{
			MaxAttempts: cfg.Restart.MaxAttempts,
			Backoff:     cfg.Restart.Backoff,
			MaxBackoff:  cfg.Restart.MaxBackoff,
		},
	}, providers.Source, a.detector, acc, a.dispatcher, a.sink, ctrlOpts...)

	// ── 6. Health + HTTP ─────────────────────────────────────────────────
	checkers := []health.Checker{
		health.ErrorChecker("capture", a.controller.LastError),
		health.BreakerChecker("transcriber", a.transcriber.Group()),
	}
	if p, ok := providers.Archive.(interface{ Ping(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "archive", Check: p.Ping})
	}
	a.health = health.New(checkers...)
	if cfg.Server.ListenAddr != "" {
		a.server = a.newServer()
	}

	a.closers = append(a.closers, extra...)

	slog.InfoContext(ctx, "app initialised",
		"transcriber", a.transcriber.Name(),
		"fallbacks", len(providers.Fallbacks),
		"device", cfg.Capture.Device,
		"http", cfg.Server.ListenAddr,
		"archive", a.recorder != nil,
	)
	return a, nil
}

// initTranscriber wraps the configured transcribers in a fallback group
// whose attempts feed the provider request metric.
func (a *App) initTranscriber() error {
	want := a.cfg.Transcription.TargetRate
	if got := a.providers.STT.SampleRate(); got != want {
		return fmt.Errorf("%w: %s expects %d Hz, transcription.target_rate is %d",
			ErrRateMismatch, stt.NameOf(a.providers.STT), got, want)
	}

	cb := a.cfg.Providers.CircuitBreaker
	a.transcriber = resilience.NewTranscriberFallback(a.providers.STT, a.cfg.Providers.STT.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
		},
		OnAttempt: a.recordAttempt,
	})
	for _, fb := range a.providers.Fallbacks {
		if got := fb.Transcriber.SampleRate(); got != want {
			return fmt.Errorf("%w: fallback %s expects %d Hz, transcription.target_rate is %d",
				ErrRateMismatch, fb.Name, got, want)
		}
		a.transcriber.AddFallback(fb.Name, fb.Transcriber)
	}
	return nil
}

func (a *App) recordAttempt(name string, err error) {
	status := "ok"
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = "circuit_open"
	case err != nil:
		status = "error"
	}
	a.metrics.RecordProviderRequest(context.Background(), name, status)
}

// accumulatorHint estimates the frame count of one silence window at a
// typical 10 ms period, so most utterances never regrow the buffer.
func accumulatorHint(cfg *config.Config) int {
	return int(cfg.Detection.SilenceWindow / (10 * time.Millisecond))
}

// Controller returns the listening session controller.
func (a *App) Controller() *listen.Controller { return a.controller }

// Dispatcher returns the transcription dispatcher.
func (a *App) Dispatcher() *transcribe.Dispatcher { return a.dispatcher }

// Handler returns the HTTP handler, or nil when server.listen_addr is empty.
func (a *App) Handler() http.Handler {
	if a.server == nil {
		return nil
	}
	return a.server.Handler
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves commands, HTTP and config reloads until ctx is cancelled or the
// "quit" command is read. With capture.autostart it starts listening first.
// Run returns nil on a clean exit.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// The server outlives Run so the feed still carries the final segment;
	// Shutdown stops it.
	if a.server != nil {
		errc, err := a.startServer()
		if err != nil {
			return err
		}
		g.Go(func() error {
			select {
			case err := <-errc:
				return err
			case <-gctx.Done():
				return nil
			}
		})
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	if a.cfg.Capture.Autostart {
		if err := a.controller.Start(gctx); err != nil {
			// Already reported on the sink; the user can retry with "start".
			slog.Warn("autostart failed", "err", err)
		}
	}

	g.Go(func() error { return a.commandLoop(gctx) })
	// Keeps Run alive after the command input ends.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	slog.Info("app running", "autostart", a.cfg.Capture.Autostart)
	err := g.Wait()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends the listening session (dispatching the final segment), waits
// for in-flight transcriptions up to server.shutdown_timeout or the ctx
// deadline, cancels whatever remains, then runs the closers. It is safe to
// call more than once; only the first call has an effect.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.controller.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop listening: %w", err))
		}

		waitCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
		err := a.dispatcher.Wait(waitCtx)
		cancel()
		a.dispatcher.Close()
		if err != nil {
			slog.Warn("cancelling in-flight transcriptions", "err", err)
			// Cancelled jobs still print their failure notice.
			drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
			_ = a.dispatcher.Wait(drainCtx)
			cancel()
		}

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}

		for i, closer := range a.closers {
			if err := ctx.Err(); err != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, err)
				return
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		if err := a.stdout.Err(); err != nil {
			slog.Warn("stdout sink error", "err", err)
		}
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
