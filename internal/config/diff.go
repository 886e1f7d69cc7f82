package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PolicyChanged is true when any decision table, the threshold factor,
	// or the keyword intensity changed.
	PolicyChanged bool

	SensitivityChanged bool
	NewSensitivity     float64

	CooldownChanged bool
	NewCooldown     time.Duration

	AutoTriggerChanged bool
	NewAutoTrigger     bool

	// RestartRequired lists top-level sections that changed in ways that
	// only take effect after a restart.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable field changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PolicyChanged || d.SensitivityChanged || d.CooldownChanged || d.AutoTriggerChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart, plus a list of
// sections whose changes need one.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	od, nd := old.Decision, new.Decision
	if od.Sensitivity != nd.Sensitivity {
		d.SensitivityChanged = true
		d.NewSensitivity = nd.Sensitivity
	}
	if od.Cooldown != nd.Cooldown {
		d.CooldownChanged = true
		d.NewCooldown = nd.Cooldown
	}
	if od.AutoTrigger != nd.AutoTrigger {
		d.AutoTriggerChanged = true
		d.NewAutoTrigger = nd.AutoTrigger
	}
	if od.ThresholdFactor != nd.ThresholdFactor ||
		od.KeywordIntensity != nd.KeywordIntensity ||
		!slices.Equal(od.Events, nd.Events) ||
		!slices.Equal(od.Emotions, nd.Emotions) ||
		!slices.Equal(od.Keywords, nd.Keywords) {
		d.PolicyChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !slices.Equal(old.Server.CORSOrigins, new.Server.CORSOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Audio.SampleRate != new.Audio.SampleRate ||
		old.Audio.Channels != new.Audio.Channels ||
		old.Audio.BlockSize != new.Audio.BlockSize ||
		old.Audio.WindowBlocks != new.Audio.WindowBlocks ||
		old.Audio.QueueFrames != new.Audio.QueueFrames ||
		old.Audio.FilesDir != new.Audio.FilesDir {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !slices.EqualFunc(old.Effects, new.Effects, func(a, b EffectConfig) bool { return a == b }) {
		d.RestartRequired = append(d.RestartRequired, "effects")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}

	return d
}
