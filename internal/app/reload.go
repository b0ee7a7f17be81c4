package app

import (
	"log/slog"

	"github.com/MrWong99/earshot/internal/config"
)

// Reload applies the hot-reloadable parts of new: the log level and the
// silence detector's threshold and window. Changes to other sections are
// logged and take effect on the next restart. Reload is meant to be the
// [config.Watcher] callback.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ThresholdChanged {
		a.detector.SetThreshold(d.NewThreshold)
		slog.Info("silence threshold changed", "threshold", d.NewThreshold)
	}
	if d.SilenceWindowChanged {
		a.detector.SetWindow(d.NewSilenceWindow)
		slog.Info("silence window changed", "window", d.NewSilenceWindow)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after restart", "sections", d.RestartRequired)
	}
}
