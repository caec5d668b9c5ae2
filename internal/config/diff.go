package config

import (
	"reflect"
	"time"
)

// ConfigDiff describes what changed between two configs. Log level and echo
// window are applied without restart; every other changed section is listed
// in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	EchoWindowChanged bool
	NewEchoWindow     time.Duration

	// RestartRequired names the changed sections that only take effect
	// after a restart, e.g. "providers" or "directions".
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.EchoWindowChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Pipeline.EchoWindow != new.Pipeline.EchoWindow {
		d.EchoWindowChanged = true
		d.NewEchoWindow = new.Pipeline.EchoWindow
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if oldServer != newServer {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	oldPipe, newPipe := old.Pipeline, new.Pipeline
	oldPipe.EchoWindow, newPipe.EchoWindow = 0, 0
	if !reflect.DeepEqual(oldPipe, newPipe) {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}
	if !reflect.DeepEqual(old.Directions, new.Directions) {
		d.RestartRequired = append(d.RestartRequired, "directions")
	}
	return d
}
