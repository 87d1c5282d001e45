// Package session orchestrates the streaming lifecycle: credential
// acquisition, connection handshake, the audio pipeline, transcript
// assembly, and reconnection with backoff.
package session

import (
	"context"

	"github.com/rbright/livecap/internal/credential"
	"github.com/rbright/livecap/internal/fsm"
	"github.com/rbright/livecap/internal/stream"
)

// Capture is a live microphone stream owned by one session.
type Capture interface {
	Blocks() <-chan []byte
	Stop() error
}

// Source opens microphone captures. Opening verifies the negotiated
// sample rate, so a rate mismatch fails here before any socket dial.
type Source interface {
	Start(ctx context.Context) (Capture, error)
}

// Conn is one confirmed transcription connection.
type Conn interface {
	Events() <-chan stream.Event
	IsOpen() bool
	SendAudio(pcm []byte) error
	Close() error
}

// Dialer runs the full connect-and-confirm handshake.
type Dialer interface {
	Dial(ctx context.Context, cred credential.Credential) (Conn, error)
}

// Observer receives session callbacks. All methods are invoked from the
// session's own goroutines; implementations must not call back into the
// controller synchronously.
type Observer interface {
	OnStatusChange(state fsm.State)
	OnTranscription(displayText string)
	OnError(err error)
	OnComplete()
}

// NopObserver preserves session flow when no observer is wired.
type NopObserver struct{}

func (NopObserver) OnStatusChange(fsm.State) {}
func (NopObserver) OnTranscription(string)   {}
func (NopObserver) OnError(error)            {}
func (NopObserver) OnComplete()              {}

// StreamDialer adapts the concrete websocket dialer to the Dialer port.
type StreamDialer struct {
	Dialer *stream.Dialer
}

func (d StreamDialer) Dial(ctx context.Context, cred credential.Credential) (Conn, error) {
	return d.Dialer.Dial(ctx, cred)
}
