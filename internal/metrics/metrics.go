// Package metrics exposes Prometheus instrumentation for the streaming client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors used across the client.
type Metrics struct {
	SessionsStarted   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionErrors     prometheus.Counter

	Reconnects        prometheus.Counter
	ReconnectFailures prometheus.Counter

	AudioBlocksSent    prometheus.Counter
	AudioBlocksDropped prometheus.Counter
	AudioBytesSent     prometheus.Counter

	TranscriptFragments prometheus.Counter
	ParseErrors         prometheus.Counter
}

// New creates and registers all collectors against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "livecap_sessions_started_total",
			Help: "Total number of streaming sessions started",
		}),
		SessionsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "livecap_sessions_completed_total",
			Help: "Total number of streaming sessions that reached completion",
		}),
		SessionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "livecap_session_errors_total",
			Help: "Total number of sessions ended by a fatal error",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "livecap_reconnects_total",
			Help: "Total number of reconnect attempts scheduled",
		}),
		ReconnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "livecap_reconnect_failures_total",
			Help: "Total number of reconnect attempts that failed",
		}),
		AudioBlocksSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "livecap_audio_blocks_sent_total",
			Help: "Total number of audio blocks sent over the socket",
		}),
		AudioBlocksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "livecap_audio_blocks_dropped_total",
			Help: "Total number of audio blocks dropped while the socket was not open",
		}),
		AudioBytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "livecap_audio_bytes_sent_total",
			Help: "Total raw PCM bytes sent before encoding",
		}),
		TranscriptFragments: factory.NewCounter(prometheus.CounterOpts{
			Name: "livecap_transcript_fragments_total",
			Help: "Total number of transcript fragments applied",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "livecap_message_parse_errors_total",
			Help: "Total number of inbound messages skipped as unparseable",
		}),
	}
}

// NewDefault registers collectors on the process-wide default registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}
