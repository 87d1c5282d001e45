package session

import "time"

const (
	baseDelay = time.Second
	maxDelay  = 30 * time.Second

	// DefaultMaxAttempts bounds consecutive failed reconnects per session.
	DefaultMaxAttempts = 5
)

// Delay returns the reconnect backoff for a zero-based attempt number:
// 1s, 2s, 4s, 8s, 16s, then capped at 30s.
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 5 {
		attempt = 5
	}
	d := baseDelay << uint(attempt)
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
