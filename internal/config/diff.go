package config

import "reflect"

// ConfigDiff describes what changed between two configs. Fields that can be
// safely hot-reloaded are tracked individually; everything else lands in
// RestartFields so the watcher can tell the operator what a restart would
// pick up.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	IntervalTurnsChanged bool
	NewIntervalTurns     int

	// RestartFields lists config paths that changed but only take effect
	// after a restart.
	RestartFields []string
}

// HotApplicable reports whether the diff contains at least one change that
// can be applied to a running engine.
func (d ConfigDiff) HotApplicable() bool {
	return d.LogLevelChanged || d.IntervalTurnsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Story.IntervalTurns != new.Story.IntervalTurns {
		d.IntervalTurnsChanged = true
		d.NewIntervalTurns = new.Story.IntervalTurns
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartFields = append(d.RestartFields, "server.listen_addr")
	}
	if old.Server.LogFormat != new.Server.LogFormat {
		d.RestartFields = append(d.RestartFields, "server.log_format")
	}
	if old.Story.Path != new.Story.Path {
		d.RestartFields = append(d.RestartFields, "story.path")
	}
	if old.Story.LoreBudget != new.Story.LoreBudget {
		d.RestartFields = append(d.RestartFields, "story.lore_budget")
	}
	// Provider entries carry an options map, so compare structurally.
	if !reflect.DeepEqual(old.Provider, new.Provider) {
		d.RestartFields = append(d.RestartFields, "provider")
	}
	if old.Arbiter != new.Arbiter {
		d.RestartFields = append(d.RestartFields, "arbiter")
	}
	if old.Cues != new.Cues {
		d.RestartFields = append(d.RestartFields, "cues")
	}
	if old.Host != new.Host {
		d.RestartFields = append(d.RestartFields, "host")
	}
	if old.Session != new.Session {
		d.RestartFields = append(d.RestartFields, "session")
	}

	return d
}
