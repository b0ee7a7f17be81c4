package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/observe"
	audiomock "github.com/MrWong99/earshot/pkg/audio/mock"
	sttmock "github.com/MrWong99/earshot/pkg/provider/stt/mock"
)

func TestReload_AppliesHotValues(t *testing.T) {
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	old := &config.Config{}
	old.Providers.STT = config.ProviderEntry{Name: "mock"}
	config.ApplyDefaults(old)

	lv := &slog.LevelVar{}
	lv.Set(old.Server.LogLevel.Slog())
	a, err := New(context.Background(), old, &Providers{Source: &audiomock.Source{}, STT: &sttmock.Transcriber{}},
		WithMetrics(m), WithLogLevel(lv))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	updated := *old
	updated.Server.LogLevel = config.LogDebug
	updated.Detection.Threshold = 0.2
	updated.Detection.SilenceWindow = 3 * time.Second
	updated.Capture.Device = "7"

	a.Reload(old, &updated)

	if got := lv.Level(); got != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", got)
	}
	if got := a.detector.Threshold(); got != 0.2 {
		t.Errorf("threshold = %g, want 0.2", got)
	}
	if got := a.detector.Window(); got != 3*time.Second {
		t.Errorf("window = %s, want 3s", got)
	}
}
