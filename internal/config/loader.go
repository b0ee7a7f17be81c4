package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known implementation names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"stt":     {"whisper-native", "whisper-server", "openai"},
	"capture": {"portaudio"},
}

// minPollInterval keeps the monitor from spinning.
const minPollInterval = 10 * time.Millisecond

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration, which fails
// validation only because providers.stt.name is required.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. Callers
// normally run [ApplyDefaults] first; zero values left in place are reported
// as errors where a zero is meaningless.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}

	// Capture
	if cfg.Capture.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must be positive", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels < 1 {
		errs = append(errs, fmt.Errorf("capture.channels %d must be at least 1", cfg.Capture.Channels))
	}
	if cfg.Capture.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("capture.frames_per_buffer %d must not be negative", cfg.Capture.FramesPerBuffer))
	}
	validateProviderName("capture", cfg.Capture.Backend)

	// Detection
	d := cfg.Detection
	if d.Threshold < 0 {
		errs = append(errs, fmt.Errorf("detection.threshold %g must not be negative", d.Threshold))
	}
	if d.SilenceWindow <= 0 {
		errs = append(errs, fmt.Errorf("detection.silence_window %s must be positive", d.SilenceWindow))
	}
	if d.PollInterval < minPollInterval {
		errs = append(errs, fmt.Errorf("detection.poll_interval %s must be at least %s", d.PollInterval, minPollInterval))
	} else if d.SilenceWindow > 0 && d.PollInterval >= d.SilenceWindow {
		errs = append(errs, fmt.Errorf("detection.poll_interval %s must be shorter than silence_window %s", d.PollInterval, d.SilenceWindow))
	}
	if d.MaxSegment < 0 {
		errs = append(errs, fmt.Errorf("detection.max_segment %s must not be negative", d.MaxSegment))
	} else if d.MaxSegment > 0 && d.MaxSegment <= d.SilenceWindow {
		slog.Warn("detection.max_segment is not longer than silence_window; long utterances will be split often",
			"max_segment", d.MaxSegment,
			"silence_window", d.SilenceWindow,
		)
	}

	// Restart
	if cfg.Restart.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("restart.max_attempts %d must be at least 1", cfg.Restart.MaxAttempts))
	}
	if cfg.Restart.Backoff < 0 || cfg.Restart.MaxBackoff < 0 {
		errs = append(errs, errors.New("restart.backoff and restart.max_backoff must not be negative"))
	}

	// Transcription
	t := cfg.Transcription
	if t.TargetRate <= 0 {
		errs = append(errs, fmt.Errorf("transcription.target_rate %d must be positive", t.TargetRate))
	}
	if t.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("transcription.max_concurrency %d must be at least 1", t.MaxConcurrency))
	}
	if t.MaxPending < 1 {
		errs = append(errs, fmt.Errorf("transcription.max_pending %d must be at least 1", t.MaxPending))
	}
	if t.Timeout < 0 {
		errs = append(errs, fmt.Errorf("transcription.timeout %s must not be negative", t.Timeout))
	}
	if t.Decode.BeamSize < 0 || t.Decode.BestOf < 0 {
		errs = append(errs, errors.New("transcription.decode.beam_size and best_of must not be negative"))
	}
	if t.Decode.Temperature < 0 {
		errs = append(errs, fmt.Errorf("transcription.decode.temperature %g must not be negative", t.Decode.Temperature))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	} else {
		errs = append(errs, validateEntry("providers.stt", cfg.Providers.STT)...)
	}
	for i, fb := range cfg.Providers.Fallbacks {
		prefix := fmt.Sprintf("providers.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		errs = append(errs, validateEntry(prefix, fb)...)
	}
	if cb := cfg.Providers.CircuitBreaker; cb.MaxFailures < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("providers.circuit_breaker values must not be negative"))
	}

	// Storage
	if st := cfg.Storage; st.BatchSize < 1 || st.QueueSize < 1 || st.FlushInterval <= 0 {
		errs = append(errs, errors.New("storage.batch_size, queue_size and flush_interval must be positive"))
	}

	return errors.Join(errs...)
}

// validateEntry checks the fields a known transcriber needs.
func validateEntry(prefix string, e ProviderEntry) []error {
	validateProviderName("stt", e.Name)
	var errs []error
	switch e.Name {
	case "whisper-native":
		if e.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required for whisper-native", prefix))
		}
	case "whisper-server":
		if e.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for whisper-server", prefix))
		}
	case "openai":
		if e.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for openai", prefix))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
