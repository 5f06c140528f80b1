package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values. They exist so the relay
// can be started on a stage machine without editing the YAML file.
const (
	EnvListenAddr = "FEATURERELAY_LISTEN_ADDR"
	EnvLogLevel   = "FEATURERELAY_LOG_LEVEL"
	EnvUDPAddrs   = "FEATURERELAY_UDP_ADDRS"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields [Default].
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the FEATURERELAY_* variables found by lookup
// (normally [os.LookupEnv]). FEATURERELAY_UDP_ADDRS is a comma-separated
// address list that replaces the configured listeners with text listeners.
// The caller should run [Validate] afterwards.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		cfg.Server.ListenAddr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v, ok := lookup(EnvUDPAddrs); ok && v != "" {
		var listeners []ListenerConfig
		for _, addr := range strings.Split(v, ",") {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			listeners = append(listeners, ListenerConfig{Name: addr, Addr: addr})
		}
		if len(listeners) > 0 {
			cfg.Relay.Listeners = listeners
		}
	}
	ApplyDefaults(cfg)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires cert_file and key_file"))
	}
	if lf := cfg.Server.LogFile; lf != nil {
		if lf.Path == "" {
			errs = append(errs, errors.New("server.log_file.path is required"))
		}
		if lf.MaxSizeMB < 0 || lf.MaxBackups < 0 || lf.MaxAgeDays < 0 {
			errs = append(errs, errors.New("server.log_file sizes and counts must not be negative"))
		}
	}

	// Relay
	if !strings.HasPrefix(cfg.Relay.WSPath, "/") {
		errs = append(errs, fmt.Errorf("relay.ws_path %q must start with /", cfg.Relay.WSPath))
	}
	if cfg.Relay.SendQueue < 1 {
		errs = append(errs, fmt.Errorf("relay.send_queue %d must be at least 1", cfg.Relay.SendQueue))
	}
	if cfg.Relay.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("relay.write_timeout %s must not be negative", cfg.Relay.WriteTimeout))
	}
	if len(cfg.Relay.Listeners) == 0 {
		errs = append(errs, errors.New("relay.listeners must contain at least one listener"))
	}

	namesSeen := make(map[string]int, len(cfg.Relay.Listeners))
	addrsSeen := make(map[string]int, len(cfg.Relay.Listeners))
	for i, l := range cfg.Relay.Listeners {
		prefix := fmt.Sprintf("relay.listeners[%d]", i)
		if l.Addr == "" {
			errs = append(errs, fmt.Errorf("%s.addr is required", prefix))
		} else {
			if prev, ok := addrsSeen[l.Addr]; ok {
				errs = append(errs, fmt.Errorf("%s.addr %q is a duplicate of relay.listeners[%d]", prefix, l.Addr, prev))
			}
			addrsSeen[l.Addr] = i
		}
		if l.Name != "" {
			if prev, ok := namesSeen[l.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of relay.listeners[%d]", prefix, l.Name, prev))
			}
			namesSeen[l.Name] = i
		}
		if l.Format != "" && !l.Format.IsValid() {
			errs = append(errs, fmt.Errorf("%s.format %q is invalid; valid values: text, osc", prefix, l.Format))
		}
	}

	if len(cfg.Relay.OriginPatterns) == 0 {
		slog.Debug("relay.origin_patterns is empty; only same-origin browser clients can connect")
	}

	return errors.Join(errs...)
}
