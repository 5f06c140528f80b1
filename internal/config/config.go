// Package config provides the configuration schema, loader, and hot-reload
// watcher for the feature relay.
package config

import (
	"time"

	"github.com/MrWong99/featurerelay/pkg/telemetry"
)

// LogLevel controls log verbosity for the relay.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults] to zero-valued fields.
const (
	DefaultListenAddr   = ":8080"
	DefaultWSPath       = "/ws"
	DefaultSendQueue    = 64
	DefaultWriteTimeout = 5 * time.Second
	DefaultUDPAddr      = ":7400"
	DefaultListenerName = "analysis"
)

// Config is the root configuration structure for the relay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Relay  RelayConfig  `yaml:"relay"`
}

// ServerConfig holds the HTTP side: WebSocket clients, probes and metrics.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Changes are applied without restart.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// LogFile additionally writes logs to a size-rotated file. When nil,
	// logs go to stderr only.
	LogFile *LogFileConfig `yaml:"log_file"`
}

// LogFileConfig configures the rotated log file.
type LogFileConfig struct {
	Path string `yaml:"path"`

	// MaxSizeMB is the size at which the file is rotated. Zero means 100.
	MaxSizeMB int `yaml:"max_size_mb"`

	// MaxBackups is how many rotated files are kept. Zero keeps all.
	MaxBackups int `yaml:"max_backups"`

	// MaxAgeDays deletes rotated files older than this. Zero keeps them.
	MaxAgeDays int `yaml:"max_age_days"`

	Compress bool `yaml:"compress"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RelayConfig configures the UDP inputs and the WebSocket fan-out.
type RelayConfig struct {
	// WSPath is the HTTP path clients connect to. Default "/ws".
	WSPath string `yaml:"ws_path"`

	// SendQueue is the number of messages buffered per client before
	// further broadcasts are dropped for that client.
	SendQueue int `yaml:"send_queue"`

	// WriteTimeout bounds a single WebSocket write. A client that cannot
	// accept a frame within it is evicted.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// OriginPatterns lists host patterns allowed to connect cross-origin
	// (see coder/websocket AcceptOptions). Empty allows same-origin only.
	OriginPatterns []string `yaml:"origin_patterns"`

	// Listeners are the UDP sockets bound at startup. All of them feed the
	// same client set.
	Listeners []ListenerConfig `yaml:"listeners"`
}

// ListenerConfig describes one UDP input.
type ListenerConfig struct {
	// Name labels the listener in logs and metrics.
	Name string `yaml:"name"`

	// Addr is the UDP address to bind (e.g., ":7400").
	Addr string `yaml:"addr"`

	// Format selects the payload codec. Default "text".
	Format telemetry.Format `yaml:"format"`
}

// Default returns a config with every default applied: one text listener on
// [DefaultUDPAddr] and the HTTP server on [DefaultListenAddr].
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Relay.WSPath == "" {
		cfg.Relay.WSPath = DefaultWSPath
	}
	if cfg.Relay.SendQueue == 0 {
		cfg.Relay.SendQueue = DefaultSendQueue
	}
	if cfg.Relay.WriteTimeout == 0 {
		cfg.Relay.WriteTimeout = DefaultWriteTimeout
	}
	if len(cfg.Relay.Listeners) == 0 {
		cfg.Relay.Listeners = []ListenerConfig{{Name: DefaultListenerName, Addr: DefaultUDPAddr}}
	}
	for i := range cfg.Relay.Listeners {
		l := &cfg.Relay.Listeners[i]
		if l.Format == "" {
			l.Format = telemetry.FormatText
		}
		if l.Name == "" {
			l.Name = l.Addr
		}
	}
}
