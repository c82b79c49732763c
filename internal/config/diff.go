package config

import "slices"

// ConfigDiff describes what changed between two configs and how the change
// can be applied.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when any per-session setting changed (voice,
	// instructions, transcription, timeouts, latency cap). These take
	// effect when the next session starts; a live session is not touched.
	SessionChanged bool

	// RestartRequired lists sections whose changes only apply after a
	// process restart (provider chain and models, audio devices, listener).
	RestartRequired []string
}

// Empty reports whether d carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	op, np := old.Provider, new.Provider
	if op.Voice != np.Voice || op.Instructions != np.Instructions ||
		op.Transcription != np.Transcription || old.Session != new.Session {
		d.SessionChanged = true
	}

	if !sameEndpoint(op, np) || !slices.EqualFunc(old.Fallbacks, new.Fallbacks, sameEndpoint) {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}

	return d
}

func sameEndpoint(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
