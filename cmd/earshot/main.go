// Command earshot listens to an audio input device, cuts the stream into
// utterances at pauses and prints their transcripts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/earshot/internal/app"
	"github.com/MrWong99/earshot/internal/archive"
	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio/capture"
	"github.com/MrWong99/earshot/pkg/audio/portaudio"
	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/provider/stt/openai"
	"github.com/MrWong99/earshot/pkg/provider/stt/whisper"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the capture devices and exit")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	level := &slog.LevelVar{}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	// ── Load configuration (and keep watching it) ─────────────────────────────
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		application.Reload(old, new)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "earshot: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(cfg.Server.LogLevel.Slog())

	if *listDevices {
		return printDevices(reg, cfg.Capture)
	}

	slog.Info("earshot starting",
		"version", version,
		"config", *configPath,
		"device", cfg.Capture.Device,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fallbacks := make([]string, 0, len(cfg.Providers.Fallbacks))
	for _, f := range cfg.Providers.Fallbacks {
		fallbacks = append(fallbacks, f.Name)
	}
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion:    version,
		CaptureBackend:    cfg.Capture.Backend,
		CaptureDevice:     cfg.Capture.Device,
		CaptureSampleRate: cfg.Capture.SampleRate,
		Transcriber:       cfg.Providers.STT.Name,
		Model:             cfg.Providers.STT.Model,
		Fallbacks:         fallbacks,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, closers, err := buildProviders(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		closeAll(closers)
		return 1
	}

	printStartupSummary(cfg)

	opts := []app.Option{app.WithLogLevel(level), app.WithWatcher(watcher)}
	for _, c := range closers {
		opts = append(opts, app.WithCloser(c))
	}
	application, err = app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		closeAll(closers)
		return 1
	}

	fmt.Fprintln(os.Stderr, "Type \"start\" to begin listening, \"stop\" to end, \"quit\" to exit.")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires the built-in transcribers and capture backends into
// reg. Each factory reads its settings from the config entry.
func registerBuiltins(reg *config.Registry) {
	// ── Transcribers ──────────────────────────────────────────────────────────

	reg.RegisterTranscriber("whisper-native", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		threads, err := entry.OptionInt("threads", 0)
		if err != nil {
			return nil, err
		}
		return whisper.NewNative(entry.Model, whisper.WithNativeThreads(uint(max(threads, 0))))
	})

	reg.RegisterTranscriber("whisper-server", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		timeout, err := entry.OptionDuration("timeout", 0)
		if err != nil {
			return nil, err
		}
		opts := []whisper.Option{whisper.WithModel(entry.Model)}
		if timeout > 0 {
			opts = append(opts, whisper.WithTimeout(timeout))
		}
		return whisper.NewServer(entry.BaseURL, opts...)
	})

	reg.RegisterTranscriber("openai", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		timeout, err := entry.OptionDuration("timeout", 0)
		if err != nil {
			return nil, err
		}
		retries, err := entry.OptionInt("max_retries", 2)
		if err != nil {
			return nil, err
		}
		opts := []openai.Option{openai.WithTimeout(timeout), openai.WithMaxRetries(retries)}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptionString("organization", ""); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Capture backends ──────────────────────────────────────────────────────

	reg.RegisterSource("portaudio", func(config.CaptureConfig) (capture.Source, error) {
		return portaudio.New()
	})

	for _, name := range reg.TranscriberNames() {
		slog.Debug("registered transcriber", "name", name)
	}
}

// buildProviders instantiates the capture backend, the primary transcriber,
// its fallbacks and the optional transcript archive. The returned closers
// release whatever was created, also when an error is returned.
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry) (*app.Providers, []func() error, error) {
	ps := &app.Providers{}
	var closers []func() error
	track := func(v any) {
		if c, ok := v.(io.Closer); ok {
			closers = append(closers, c.Close)
		}
	}

	src, err := reg.CreateSource(cfg.Capture)
	if err != nil {
		return nil, closers, fmt.Errorf("create capture backend %q: %w", cfg.Capture.Backend, err)
	}
	track(src)
	ps.Source = src
	slog.Info("capture backend created", "name", cfg.Capture.Backend)

	t, err := reg.CreateTranscriber(cfg.Providers.STT)
	if err != nil {
		return nil, closers, fmt.Errorf("create transcriber %q: %w", cfg.Providers.STT.Name, err)
	}
	track(t)
	ps.STT = t
	slog.Info("transcriber created", "name", cfg.Providers.STT.Name, "model", cfg.Providers.STT.Model)

	for i, entry := range cfg.Providers.Fallbacks {
		fb, err := reg.CreateTranscriber(entry)
		if err != nil {
			return nil, closers, fmt.Errorf("create fallback %d (%q): %w", i, entry.Name, err)
		}
		track(fb)
		ps.Fallbacks = append(ps.Fallbacks, app.NamedTranscriber{Name: entry.Name, Transcriber: fb})
		slog.Info("fallback transcriber created", "name", entry.Name, "position", i)
	}

	if cfg.Storage.Enabled() {
		store, err := archive.NewPostgres(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, closers, fmt.Errorf("open transcript archive: %w", err)
		}
		track(store)
		ps.Archive = store
		slog.Info("transcript archive connected")
	}
	return ps, closers, nil
}

func closeAll(closers []func() error) {
	for _, c := range closers {
		if err := c(); err != nil {
			slog.Warn("close error", "err", err)
		}
	}
}

// ── Devices ───────────────────────────────────────────────────────────────────

func printDevices(reg *config.Registry, cc config.CaptureConfig) int {
	src, err := reg.CreateSource(cc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "earshot: %v\n", err)
		return 1
	}
	if c, ok := src.(io.Closer); ok {
		defer c.Close()
	}
	devices, err := src.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "earshot: list devices: %v\n", err)
		return 1
	}
	for _, d := range devices {
		mark := " "
		if d.Default {
			mark = "*"
		}
		fmt.Printf("%s %3d  %-40s  %d ch  %.0f Hz\n", mark, d.Index, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	w := os.Stderr
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║         earshot: startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Device", cfg.Capture.Device)
	printRow(w, "Format", fmt.Sprintf("%d Hz / %d ch", cfg.Capture.SampleRate, cfg.Capture.Channels))
	printRow(w, "Silence", fmt.Sprintf("%g / %s", cfg.Detection.Threshold, cfg.Detection.SilenceWindow))
	printRow(w, "STT", providerLabel(cfg.Providers.STT))
	printRow(w, "Fallbacks", fmt.Sprint(len(cfg.Providers.Fallbacks)))
	printRow(w, "Workers", fmt.Sprint(cfg.Transcription.MaxConcurrency))
	printRow(w, "Language", cfg.Transcription.Decode.Language)
	if cfg.Server.ListenAddr != "" {
		printRow(w, "Listen addr", cfg.Server.ListenAddr)
	}
	if cfg.Storage.Enabled() {
		printRow(w, "Archive", "postgres")
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + " / " + e.Model
}

func printRow(w io.Writer, label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", label, value)
}
