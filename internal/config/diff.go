package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TransportChanged bool // name, endpoint, key, model, queue or transcription
	PersonaChanged   bool // voice or instructions
	CaptureChanged   bool // any capture setting
	PlaybackChanged  bool // output rate or channels; needs a process restart
	MetricsChanged   bool // metrics_addr; needs a process restart
}

// RestartSession reports whether the running session must be torn down and
// reopened for the new config to take effect. Capture and persona settings
// are fixed for a session's lifetime.
func (d ConfigDiff) RestartSession() bool {
	return d.TransportChanged || d.PersonaChanged || d.CaptureChanged
}

// Empty reports whether nothing relevant changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.RestartSession() && !d.PlaybackChanged && !d.MetricsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.MetricsChanged = old.Server.MetricsAddr != new.Server.MetricsAddr
	d.TransportChanged = old.Transport != new.Transport
	d.PersonaChanged = old.Persona != new.Persona
	d.CaptureChanged = old.Capture != new.Capture
	d.PlaybackChanged = old.Playback != new.Playback

	return d
}
