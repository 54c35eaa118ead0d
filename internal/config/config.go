// Package config provides the configuration schema and loader for the
// zoom-audio-relay server.
package config

import "time"

// LogLevel controls log verbosity for the relay server.
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

// SourceKind selects the audio source implementation for the capture agent.
type SourceKind string

const (
	// SourceTone generates a synthetic sine tone. Useful for end-to-end
	// verification without a real meeting.
	SourceTone SourceKind = "tone"

	// SourceWebSocket pulls audio chunks from a websocket media gateway.
	SourceWebSocket SourceKind = "websocket"
)

// IsValid reports whether k is a recognised source kind.
func (k SourceKind) IsValid() bool {
	return k == SourceTone || k == SourceWebSocket
}

// Config is the root configuration structure for the relay server.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Relay     RelayConfig     `yaml:"relay"`
	Store     StoreConfig     `yaml:"store"`
	Capture   CaptureConfig   `yaml:"capture"`
	Signature SignatureConfig `yaml:"signature"`
}

// ServerConfig holds network and logging settings for the relay server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RelayConfig tunes the fan-out and streaming behaviour of the relay.
type RelayConfig struct {
	// HeartbeatIntervalSeconds is the SSE keep-alive comment cadence.
	// Defaults to 15 when zero.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`

	// WriteTimeoutMs bounds a single write to a listener connection before
	// the listener is considered failed and removed. Defaults to 5000.
	WriteTimeoutMs int `yaml:"write_timeout_ms"`

	// PublicBaseURL is the externally reachable base URL used when
	// composing stream URLs in directory responses (e.g.,
	// "https://relay.example.com"). Defaults to an empty string, which
	// yields relative URLs.
	PublicBaseURL string `yaml:"public_base_url"`
}

// HeartbeatInterval returns the SSE heartbeat cadence as a duration.
func (r RelayConfig) HeartbeatInterval() time.Duration {
	if r.HeartbeatIntervalSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(r.HeartbeatIntervalSeconds) * time.Second
}

// WriteTimeout returns the per-listener write deadline as a duration.
func (r RelayConfig) WriteTimeout() time.Duration {
	if r.WriteTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.WriteTimeoutMs) * time.Millisecond
}

// StoreConfig selects the meeting record store backend.
type StoreConfig struct {
	// PostgresDSN is the connection string for the Postgres-backed store.
	// When empty, an in-memory store is used instead.
	PostgresDSN string `yaml:"postgres_dsn"`

	// WatchIntervalMs is the poll cadence for meeting status change
	// notifications on the Postgres backend. Defaults to 1000.
	WatchIntervalMs int `yaml:"watch_interval_ms"`
}

// WatchInterval returns the status poll cadence as a duration.
func (s StoreConfig) WatchInterval() time.Duration {
	if s.WatchIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(s.WatchIntervalMs) * time.Millisecond
}

// CaptureConfig configures the embedded capture agent. The agent is
// optional; most deployments run it on a separate host near the meeting.
type CaptureConfig struct {
	// Enabled turns the embedded capture agent on.
	Enabled bool `yaml:"enabled"`

	// MeetingID is the session the agent captures for.
	MeetingID string `yaml:"meeting_id"`

	// CadenceMs is the capture tick interval. Defaults to 100.
	CadenceMs int `yaml:"cadence_ms"`

	// IngestURL is the relay ingestion endpoint the agent posts chunks to.
	// Defaults to the local server's /api/stream/audio.
	IngestURL string `yaml:"ingest_url"`

	// Source selects where the agent reads audio from.
	Source SourceConfig `yaml:"source"`
}

// Cadence returns the capture tick interval as a duration.
func (c CaptureConfig) Cadence() time.Duration {
	if c.CadenceMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.CadenceMs) * time.Millisecond
}

// SourceConfig configures a single capture audio source.
type SourceConfig struct {
	// Kind selects the source implementation.
	Kind SourceKind `yaml:"kind"`

	// GatewayURL is the websocket media gateway address. Required when
	// Kind is "websocket".
	GatewayURL string `yaml:"gateway_url"`

	// SampleRate is the PCM sample rate produced by the source.
	// Defaults to 44100.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the interleaved channel count. Defaults to 1.
	Channels int `yaml:"channels"`
}

// SignatureConfig holds the meeting SDK credentials used to mint join
// signatures. When SDKKey is empty the signature endpoint is disabled.
type SignatureConfig struct {
	// SDKKey is the meeting SDK key embedded in issued signatures.
	SDKKey string `yaml:"sdk_key"`

	// SDKSecret signs issued signatures. Never logged.
	SDKSecret string `yaml:"sdk_secret"`

	// TTLSeconds is the signature validity window. Defaults to 300 and
	// must stay within the SDK's accepted range.
	TTLSeconds int `yaml:"ttl_seconds"`
}

// TTL returns the signature validity window as a duration.
func (s SignatureConfig) TTL() time.Duration {
	if s.TTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.TTLSeconds) * time.Second
}
