package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Applied to sessions started after the reload.
	InterviewChanged  bool
	ProctoringChanged bool
	VideoChanged      bool
	UplinkChanged     bool

	// RestartRequired lists changed top-level sections that only take effect
	// after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.InterviewChanged && !d.ProctoringChanged &&
		!d.VideoChanged && !d.UplinkChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.InterviewChanged = !reflect.DeepEqual(old.Interview, new.Interview)
	d.ProctoringChanged = old.Proctoring != new.Proctoring
	d.VideoChanged = old.Video != new.Video
	d.UplinkChanged = old.UplinkQueue != new.UplinkQueue

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Observability != new.Observability {
		d.RestartRequired = append(d.RestartRequired, "observability")
	}
	slices.Sort(d.RestartRequired)
	return d
}
