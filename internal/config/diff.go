package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs. Only the detection
// tuning and the log level can be applied to a running process; every other
// section that changed is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ThresholdChanged bool
	NewThreshold     float64

	SilenceWindowChanged bool
	NewSilenceWindow     time.Duration

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart (e.g., "capture", "providers").
	RestartRequired []string
}

// HotChanged reports whether any hot-reloadable value changed.
func (d ConfigDiff) HotChanged() bool {
	return d.LogLevelChanged || d.ThresholdChanged || d.SilenceWindowChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Detection.Threshold != new.Detection.Threshold {
		d.ThresholdChanged = true
		d.NewThreshold = new.Detection.Threshold
	}
	if old.Detection.SilenceWindow != new.Detection.SilenceWindow {
		d.SilenceWindowChanged = true
		d.NewSilenceWindow = new.Detection.SilenceWindow
	}

	if !serverEqual(old.Server, new.Server) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	od, nd := old.Detection, new.Detection
	if od.PollInterval != nd.PollInterval || od.MaxSegment != nd.MaxSegment {
		d.RestartRequired = append(d.RestartRequired, "detection")
	}
	if old.Restart != new.Restart {
		d.RestartRequired = append(d.RestartRequired, "restart")
	}
	if !transcriptionEqual(old.Transcription, new.Transcription) {
		d.RestartRequired = append(d.RestartRequired, "transcription")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	return d
}

func serverEqual(a, b ServerConfig) bool {
	if a.ListenAddr != b.ListenAddr || a.ShutdownTimeout != b.ShutdownTimeout {
		return false
	}
	if (a.TLS == nil) != (b.TLS == nil) || (a.TLS != nil && *a.TLS != *b.TLS) {
		return false
	}
	return slices.Equal(a.FeedOrigins, b.FeedOrigins)
}

func transcriptionEqual(a, b TranscriptionConfig) bool {
	return a.TargetRate == b.TargetRate &&
		a.MaxConcurrency == b.MaxConcurrency &&
		a.MaxPending == b.MaxPending &&
		a.IsOrdered() == b.IsOrdered() &&
		a.Timeout == b.Timeout &&
		a.Decode == b.Decode
}

func providersEqual(a, b ProvidersConfig) bool {
	if a.CircuitBreaker != b.CircuitBreaker || !entryEqual(a.STT, b.STT) || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if !entryEqual(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}

// entryEqual compares entries; Options are compared by their rendered form.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		w, ok := b.Options[k]
		if !ok || fmtValue(v) != fmtValue(w) {
			return false
		}
	}
	return true
}
