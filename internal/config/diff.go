package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only the log level can be applied live; everything else is reported so the
// operator knows a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the config paths that changed but only take
	// effect after a restart (e.g. "relay.listeners").
	RestartRequired []string
}

// Changed reports whether anything differs between the two configs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !equalPtr(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !equalPtr(old.Server.LogFile, new.Server.LogFile) {
		d.RestartRequired = append(d.RestartRequired, "server.log_file")
	}
	if old.Relay.WSPath != new.Relay.WSPath {
		d.RestartRequired = append(d.RestartRequired, "relay.ws_path")
	}
	if old.Relay.SendQueue != new.Relay.SendQueue {
		d.RestartRequired = append(d.RestartRequired, "relay.send_queue")
	}
	if old.Relay.WriteTimeout != new.Relay.WriteTimeout {
		d.RestartRequired = append(d.RestartRequired, "relay.write_timeout")
	}
	if !slices.Equal(old.Relay.OriginPatterns, new.Relay.OriginPatterns) {
		d.RestartRequired = append(d.RestartRequired, "relay.origin_patterns")
	}
	if !slices.Equal(old.Relay.Listeners, new.Relay.Listeners) {
		d.RestartRequired = append(d.RestartRequired, "relay.listeners")
	}

	return d
}

// equalPtr compares the pointed-to values; two nils are equal.
func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
