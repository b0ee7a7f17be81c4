// Package config provides the configuration schema, loader, and provider
// registry for earshot.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to the slog level. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Capture       CaptureConfig       `yaml:"capture"`
	Detection     DetectionConfig     `yaml:"detection"`
	Restart       RestartConfig       `yaml:"restart"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Storage       StorageConfig       `yaml:"storage"`
}

// ServerConfig holds the optional HTTP surface and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for /metrics, /healthz, /readyz and /feed
	// (e.g., ":9090"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// FeedOrigins lists the origin patterns allowed to open the /feed
	// websocket from a browser. Empty allows same-origin only.
	FeedOrigins []string `yaml:"feed_origins"`

	// ShutdownTimeout bounds how long shutdown waits for in-flight
	// transcriptions. Default: 30s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// CaptureConfig selects the input device and format.
type CaptureConfig struct {
	// Backend selects the registered capture backend. Default: "portaudio".
	Backend string `yaml:"backend"`

	// Device is "default", an enumeration index, or a (partial) device name.
	Device string `yaml:"device"`

	// SampleRate in Hz. Default: 48000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the interleaved channel count. Default: 2.
	Channels int `yaml:"channels"`

	// FramesPerBuffer is the callback buffer size. Zero lets the backend
	// choose.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// Autostart begins listening immediately at boot.
	Autostart bool `yaml:"autostart"`
}

// DetectionConfig tunes silence detection. Threshold and SilenceWindow are
// hot-reloadable.
type DetectionConfig struct {
	// Threshold is the L2 energy above which a frame counts as speech.
	// Default: 0.01.
	Threshold float64 `yaml:"threshold"`

	// SilenceWindow is how long the signal must stay below Threshold before
	// the buffered utterance is flushed. Default: 1.5s.
	SilenceWindow time.Duration `yaml:"silence_window"`

	// PollInterval is the longest the monitor sleeps between checks.
	// Default: 100ms.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxSegment forces a flush of uninterrupted speech after this long.
	// Zero disables the limit.
	MaxSegment time.Duration `yaml:"max_segment"`
}

// RestartConfig bounds capture reopen attempts after a flush.
type RestartConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// TranscriptionConfig configures the dispatcher.
type TranscriptionConfig struct {
	// TargetRate is the sample rate the model consumes. It must match the
	// configured transcriber. Default: 16000.
	TargetRate int `yaml:"target_rate"`

	// MaxConcurrency caps parallel transcriptions. Default: 2.
	MaxConcurrency int `yaml:"max_concurrency"`

	// Ordered releases transcripts in segment order. Default: true.
	Ordered *bool `yaml:"ordered"`

	// MaxPending caps segments queued or in flight. Further segments are
	// reported as failed instead of queued. Default: 16.
	MaxPending int `yaml:"max_pending"`

	// Timeout bounds a single segment's transcription. Default: 2m.
	Timeout time.Duration `yaml:"timeout"`

	// Decode holds the model search parameters.
	Decode DecodeConfig `yaml:"decode"`
}

// IsOrdered reports the effective ordering mode.
func (t TranscriptionConfig) IsOrdered() bool {
	return t.Ordered == nil || *t.Ordered
}

// DecodeConfig mirrors stt.DecodeOptions.
type DecodeConfig struct {
	BeamSize    int     `yaml:"beam_size"`
	BestOf      int     `yaml:"best_of"`
	Temperature float64 `yaml:"temperature"`
	Language    string  `yaml:"language"`
}

// ProvidersConfig selects the transcriber and its fallbacks.
type ProvidersConfig struct {
	// STT is the primary transcriber.
	STT ProviderEntry `yaml:"stt"`

	// Fallbacks are tried in order when the primary fails or its circuit is
	// open.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// CircuitBreaker tunes the per-provider breaker.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes resilience.CircuitBreaker. Zero values select
// the breaker's defaults.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ProviderEntry is the configuration block of one transcriber. Name selects
// the factory in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "whisper-native").
	Name string `yaml:"name"`

	// APIKey authenticates against hosted APIs.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's endpoint. For whisper-server it is the
	// server address.
	BaseURL string `yaml:"base_url"`

	// Model is a model file path (whisper-native) or model identifier.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above (e.g.,
	// "threads" for whisper-native, "timeout" for remote providers).
	Options map[string]any `yaml:"options"`
}

// StorageConfig enables the transcript archive. Only text is stored.
type StorageConfig struct {
	// PostgresDSN is the connection string of the archive database
	// (e.g., "postgres://earshot@localhost/earshot"). Empty disables the
	// archive.
	PostgresDSN string `yaml:"postgres_dsn"`

	// BatchSize is the number of entries written per round trip. Default: 32.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is the longest a partial batch waits. Default: 1s.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// QueueSize is how many entries may wait for the database before new
	// ones are dropped. Default: 256.
	QueueSize int `yaml:"queue_size"`
}

// Enabled reports whether the archive is configured.
func (s StorageConfig) Enabled() bool { return s.PostgresDSN != "" }
