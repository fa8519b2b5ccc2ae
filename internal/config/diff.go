package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DetectionChanged is true when keywords, process names or the peak
	// threshold changed.
	DetectionChanged bool

	// RestartRequired lists changed sections that only apply after a
	// restart (server, detection.enabled/interval).
	RestartRequired []string

	// NextRun lists changed sections picked up by the next coaching
	// session.
	NextRun []string
}

// Changed reports whether anything at all differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.DetectionChanged || len(d.RestartRequired) > 0 || len(d.NextRun) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}

	// Detection
	od, nd := old.Detection, new.Detection
	if od.PeakThreshold != nd.PeakThreshold ||
		!slices.Equal(od.WindowKeywords, nd.WindowKeywords) ||
		!slices.Equal(od.ProcessNames, nd.ProcessNames) {
		d.DetectionChanged = true
	}
	if od.Enabled != nd.Enabled {
		d.RestartRequired = append(d.RestartRequired, "detection.enabled")
	}
	if od.Interval != nd.Interval {
		d.RestartRequired = append(d.RestartRequired, "detection.interval")
	}

	// Per-session settings
	if old.Backend != new.Backend {
		d.NextRun = append(d.NextRun, "backend")
	}
	if old.Capture != new.Capture {
		d.NextRun = append(d.NextRun, "capture")
	}
	if old.Consent != new.Consent {
		d.NextRun = append(d.NextRun, "consent")
	}
	if old.Vision != new.Vision {
		d.NextRun = append(d.NextRun, "vision")
	}

	return d
}
