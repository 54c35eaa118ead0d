package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Relay
	if cfg.Relay.HeartbeatIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("relay.heartbeat_interval_seconds %d must not be negative", cfg.Relay.HeartbeatIntervalSeconds))
	}
	if cfg.Relay.WriteTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("relay.write_timeout_ms %d must not be negative", cfg.Relay.WriteTimeoutMs))
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; meeting records will not survive a restart")
	}

	// Capture
	if cfg.Capture.Enabled {
		if cfg.Capture.MeetingID == "" {
			errs = append(errs, errors.New("capture.meeting_id is required when capture is enabled"))
		}
		if cfg.Capture.Source.Kind != "" && !cfg.Capture.Source.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("capture.source.kind %q is invalid; valid values: tone, websocket", cfg.Capture.Source.Kind))
		}
		if cfg.Capture.Source.Kind == SourceWebSocket && cfg.Capture.Source.GatewayURL == "" {
			errs = append(errs, errors.New("capture.source.gateway_url is required when source kind is websocket"))
		}
		if cfg.Capture.Source.SampleRate < 0 {
			errs = append(errs, fmt.Errorf("capture.source.sample_rate %d must not be negative", cfg.Capture.Source.SampleRate))
		}
		if cfg.Capture.Source.Channels < 0 {
			errs = append(errs, fmt.Errorf("capture.source.channels %d must not be negative", cfg.Capture.Source.Channels))
		}
	}

	// Signature
	if cfg.Signature.SDKKey != "" && cfg.Signature.SDKSecret == "" {
		errs = append(errs, errors.New("signature.sdk_secret is required when signature.sdk_key is set"))
	}
	if cfg.Signature.SDKKey == "" && cfg.Signature.SDKSecret != "" {
		errs = append(errs, errors.New("signature.sdk_key is required when signature.sdk_secret is set"))
	}
	if cfg.Signature.TTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("signature.ttl_seconds %d must not be negative", cfg.Signature.TTLSeconds))
	}

	return errors.Join(errs...)
}
