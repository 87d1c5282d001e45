package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	origin := strings.TrimSpace(cfg.AppOrigin)
	if origin == "" {
		return nil, fmt.Errorf("app_origin must not be empty")
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("app_origin %q is not a valid URL: %w", origin, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("app_origin scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("app_origin %q has no host", origin)
	}

	if strings.TrimSpace(cfg.Audio.Input) == "" {
		return nil, fmt.Errorf("audio.input must not be empty")
	}
	if strings.TrimSpace(cfg.Audio.Fallback) == "" {
		warnings = append(warnings, Warning{Message: "audio.fallback is empty; only the primary input will be tried"})
	}

	if cfg.Stream.HandshakeTimeoutMS <= 0 {
		return nil, fmt.Errorf("stream.handshake_timeout_ms must be > 0")
	}

	if cfg.Reconnect.MaxAttempts <= 0 {
		return nil, fmt.Errorf("reconnect.max_attempts must be > 0")
	}
	if cfg.Reconnect.MaxAttempts > 20 {
		warnings = append(warnings, Warning{Message: fmt.Sprintf("reconnect.max_attempts=%d is unusually large", cfg.Reconnect.MaxAttempts)})
	}

	if cfg.Session.DurationSeconds < 0 {
		return nil, fmt.Errorf("session.duration_seconds must be >= 0")
	}

	if cfg.Batch.PollIntervalMS <= 0 {
		return nil, fmt.Errorf("batch.poll_interval_ms must be > 0")
	}
	if cfg.Batch.TimeoutMS <= 0 {
		return nil, fmt.Errorf("batch.timeout_ms must be > 0")
	}
	if cfg.Notes.TimeoutMS <= 0 {
		return nil, fmt.Errorf("notes.timeout_ms must be > 0")
	}

	if strings.TrimSpace(cfg.Server.Listen) == "" {
		return nil, fmt.Errorf("server.listen must not be empty")
	}
	if strings.TrimSpace(cfg.Server.StaticDir) == "" {
		warnings = append(warnings, Warning{Message: "server.static_dir is empty; static file serving is disabled"})
	}

	return warnings, nil
}
