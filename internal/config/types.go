// Package config resolves, parses, validates, and defaults livecap configuration.
package config

import "time"

// Config is the fully materialized runtime configuration used by livecap.
type Config struct {
	AppOrigin string          `yaml:"app_origin"`
	Audio     AudioConfig     `yaml:"audio"`
	Stream    StreamConfig    `yaml:"stream"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Session   SessionConfig   `yaml:"session"`
	Batch     BatchConfig     `yaml:"batch"`
	Notes     NotesConfig     `yaml:"notes"`
	Server    ServerConfig    `yaml:"server"`
}

// AudioConfig controls preferred and fallback input-source selection.
type AudioConfig struct {
	Input    string `yaml:"input"`
	Fallback string `yaml:"fallback"`
}

// StreamConfig controls the websocket connect-and-confirm handshake.
type StreamConfig struct {
	HandshakeTimeoutMS int `yaml:"handshake_timeout_ms"`
}

func (c StreamConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond
}

// ReconnectConfig controls the exponential backoff retry budget.
type ReconnectConfig struct {
	MaxAttempts    int  `yaml:"max_attempts"`
	ResetOnSuccess bool `yaml:"reset_on_success"`
}

// SessionConfig controls streaming session lifetime.
type SessionConfig struct {
	// DurationSeconds auto-stops the session after this long; 0 runs
	// until an explicit stop.
	DurationSeconds int `yaml:"duration_seconds"`
}

func (c SessionConfig) Duration() time.Duration {
	return time.Duration(c.DurationSeconds) * time.Second
}

// BatchConfig controls file-upload transcription requests.
type BatchConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
	TimeoutMS      int `yaml:"timeout_ms"`
}

func (c BatchConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c BatchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// NotesConfig controls note-generation requests.
type NotesConfig struct {
	TimeoutMS int `yaml:"timeout_ms"`
}

func (c NotesConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// ServerConfig controls the local demo server. APIURL and AccountID
// are handed out verbatim by the token endpoint.
type ServerConfig struct {
	Listen    string `yaml:"listen"`
	StaticDir string `yaml:"static_dir"`
	APIURL    string `yaml:"api_url"`
	AccountID string `yaml:"account_id"`
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}
