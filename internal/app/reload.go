package app

import (
	"log/slog"

	"github.com/MrWong99/soundstage/internal/config"
	"github.com/MrWong99/soundstage/internal/decision"
	"github.com/MrWong99/soundstage/internal/session"
)

// Reload applies the hot-reloadable parts of next to the running app. It is
// meant as the [config.Watcher] callback. Sections that need a restart are
// logged and otherwise ignored.
func (a *App) Reload(next *config.Config) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	diff := config.Diff(a.cfg, next)

	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}

	if diff.PolicyChanged {
		a.sessions.SetEngine(decision.NewEngine(decision.PolicyFromConfig(next.Decision), a.catalog.Durations()))
		slog.Info("decision policy reloaded",
			"events", len(next.Decision.Events),
			"emotions", len(next.Decision.Emotions),
			"keywords", len(next.Decision.Keywords),
		)
	}

	if diff.SensitivityChanged || diff.CooldownChanged || diff.AutoTriggerChanged {
		set := a.sessions.UpdateSettings(func(s *session.Settings) {
			if diff.SensitivityChanged {
				s.Sensitivity = diff.NewSensitivity
			}
			if diff.CooldownChanged {
				s.Cooldown = diff.NewCooldown
			}
			if diff.AutoTriggerChanged {
				s.AutoTrigger = diff.NewAutoTrigger
			}
		})
		slog.Info("session settings reloaded",
			"sensitivity", set.Sensitivity,
			"cooldown", set.Cooldown,
			"auto_trigger", set.AutoTrigger,
		)
	}

	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", diff.RestartRequired)
	}

	// Keep the restart-only sections as loaded so later diffs keep
	// reporting them.
	merged := *a.cfg
	merged.Server.LogLevel = next.Server.LogLevel
	merged.Decision = next.Decision
	a.cfg = &merged
}

// SlogLevel maps a config log level to its slog equivalent.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
