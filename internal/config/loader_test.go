package config_test

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/config"
)

// validConfig returns a config with defaults applied that passes Validate.
func validConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Providers.STT = config.ProviderEntry{Name: "whisper-native", Model: "/models/m.bin"}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*config.Config) {}},
		{
			name:    "invalid log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = "verbose" },
			wantErr: "log_level",
		},
		{
			name:    "tls without key",
			mutate:  func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c.pem"} },
			wantErr: "server.tls",
		},
		{
			name:    "negative threshold",
			mutate:  func(c *config.Config) { c.Detection.Threshold = -0.1 },
			wantErr: "detection.threshold",
		},
		{
			name:   "zero threshold is allowed",
			mutate: func(c *config.Config) { c.Detection.Threshold = 0 },
		},
		{
			name:    "negative silence window",
			mutate:  func(c *config.Config) { c.Detection.SilenceWindow = -time.Second },
			wantErr: "detection.silence_window",
		},
		{
			name:    "poll interval too small",
			mutate:  func(c *config.Config) { c.Detection.PollInterval = time.Millisecond },
			wantErr: "detection.poll_interval",
		},
		{
			name:    "poll interval not below window",
			mutate:  func(c *config.Config) { c.Detection.PollInterval = 2 * time.Second },
			wantErr: "shorter than silence_window",
		},
		{
			name:    "zero channels",
			mutate:  func(c *config.Config) { c.Capture.Channels = 0 },
			wantErr: "capture.channels",
		},
		{
			name:    "zero restart attempts",
			mutate:  func(c *config.Config) { c.Restart.MaxAttempts = 0 },
			wantErr: "restart.max_attempts",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *config.Config) { c.Transcription.MaxConcurrency = 0 },
			wantErr: "transcription.max_concurrency",
		},
		{
			name:    "zero max pending",
			mutate:  func(c *config.Config) { c.Transcription.MaxPending = 0 },
			wantErr: "transcription.max_pending",
		},
		{
			name:    "negative temperature",
			mutate:  func(c *config.Config) { c.Transcription.Decode.Temperature = -1 },
			wantErr: "temperature",
		},
		{
			name:    "missing transcriber",
			mutate:  func(c *config.Config) { c.Providers.STT = config.ProviderEntry{} },
			wantErr: "providers.stt.name is required",
		},
		{
			name:    "whisper-native without model",
			mutate:  func(c *config.Config) { c.Providers.STT.Model = "" },
			wantErr: "providers.stt.model",
		},
		{
			name: "whisper-server fallback without base_url",
			mutate: func(c *config.Config) {
				c.Providers.Fallbacks = []config.ProviderEntry{{Name: "whisper-server"}}
			},
			wantErr: "providers.fallbacks[0].base_url",
		},
		{
			name: "openai without api key",
			mutate: func(c *config.Config) {
				c.Providers.Fallbacks = []config.ProviderEntry{{Name: "openai"}}
			},
			wantErr: "api_key",
		},
		{
			name: "unknown provider only warns",
			mutate: func(c *config.Config) {
				c.Providers.STT = config.ProviderEntry{Name: "third-party"}
			},
		},
		{
			name:    "zero archive batch size",
			mutate:  func(c *config.Config) { c.Storage.BatchSize = 0 },
			wantErr: "storage.batch_size",
		},
		{
			name:   "archive dsn",
			mutate: func(c *config.Config) { c.Storage.PostgresDSN = "postgres://earshot@localhost/earshot" },
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := config.Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error should mention %q, got: %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.LogLevel = "bananas"
	cfg.Capture.SampleRate = -1
	cfg.Providers.STT = config.ProviderEntry{}

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"log_level", "capture.sample_rate", "providers.stt.name"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	ordered := false
	cfg := &config.Config{}
	cfg.Detection.Threshold = 0.5
	cfg.Transcription.Ordered = &ordered
	cfg.Transcription.Decode.Language = "de"
	config.ApplyDefaults(cfg)

	if cfg.Detection.Threshold != 0.5 {
		t.Errorf("threshold: got %g, want 0.5", cfg.Detection.Threshold)
	}
	if cfg.Transcription.IsOrdered() {
		t.Error("ordered: explicit false was overwritten")
	}
	if cfg.Transcription.Decode.Language != "de" {
		t.Errorf("language: got %q, want de", cfg.Transcription.Decode.Language)
	}
}

func TestValidProviderNames(t *testing.T) {
	for _, name := range []string{"whisper-native", "whisper-server", "openai"} {
		if !slices.Contains(config.ValidProviderNames["stt"], name) {
			t.Errorf("stt names should contain %q", name)
		}
	}
	if !slices.Contains(config.ValidProviderNames["capture"], config.DefaultBackend) {
		t.Errorf("capture names should contain %q", config.DefaultBackend)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Providers.STT.Name != "whisper-native" {
		t.Errorf("stt = %q, want whisper-native", cfg.Providers.STT.Name)
	}
	if cfg.Storage.Enabled() {
		t.Error("example config enables the archive")
	}
	if cfg.Detection.SilenceWindow != 1500*time.Millisecond {
		t.Errorf("silence_window = %s", cfg.Detection.SilenceWindow)
	}
}
