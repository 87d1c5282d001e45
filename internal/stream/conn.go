// Package stream owns the transcription websocket: handshake, message
// pump, and loss detection. Reconnection policy lives in the session
// controller; this package only fails or closes one connection at a time.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rbright/livecap/internal/credential"
	"github.com/rbright/livecap/internal/metrics"
	"github.com/rbright/livecap/internal/wire"
)

const streamPath = "/audio/transcriptions/stream"

var (
	// ErrHandshakeTimeout marks a connect attempt that never saw the ready status.
	ErrHandshakeTimeout = errors.New("timed out waiting for server ready status")
	// ErrHandshakeParse marks an unparseable message during the handshake wait.
	ErrHandshakeParse = errors.New("unparseable message during handshake")
	// ErrNotOpen is returned when sending on a socket that is not confirmed open.
	ErrNotOpen = errors.New("socket is not open")
)

// Config controls dialing and handshake behavior.
type Config struct {
	SampleRate       int
	Encoding         string
	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = wire.SampleRate
	}
	if strings.TrimSpace(c.Encoding) == "" {
		c.Encoding = wire.Encoding
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// EventKind classifies events delivered to the session controller.
type EventKind int

const (
	// EventTranscript carries one interim or final transcript fragment.
	EventTranscript EventKind = iota + 1
	// EventClosed signals connection loss: socket close, socket error,
	// or a server status:disconnected message. Err is nil for clean closes.
	EventClosed
)

// Event is one typed message from the connection to its consumer.
type Event struct {
	Kind    EventKind
	Text    string
	IsFinal bool
	Err     error
}

// Dialer opens confirmed connections to the transcription service.
type Dialer struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDialer builds a dialer. The logger and metrics must be non-nil.
func NewDialer(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Dialer {
	return &Dialer{cfg: cfg.withDefaults(), logger: logger, metrics: m}
}

// BuildURL converts the credential's API URL into the websocket target:
// scheme swapped to ws/wss plus the stream path and required query.
func BuildURL(cred credential.Credential, cfg Config) (string, error) {
	cfg = cfg.withDefaults()

	base := strings.TrimSpace(cred.APIURL)
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "wss://"), strings.HasPrefix(base, "ws://"):
	default:
		return "", fmt.Errorf("api url %q has no usable scheme", cred.APIURL)
	}
	base = strings.TrimRight(base, "/")

	target, err := url.Parse(base + streamPath)
	if err != nil {
		return "", fmt.Errorf("invalid api url %q: %w", cred.APIURL, err)
	}

	query := target.Query()
	query.Set("sample_rate", fmt.Sprintf("%d", cfg.SampleRate))
	query.Set("encoding", cfg.Encoding)
	query.Set("account_id", cred.AccountID)
	query.Set("api_token", cred.Token)
	target.RawQuery = query.Encode()
	return target.String(), nil
}

// Dial opens the socket and runs the connect-and-confirm handshake.
// The returned connection is open and pumping events; any handshake
// failure (dial error, parse error, timeout) fails the whole attempt.
func (d *Dialer) Dial(ctx context.Context, cred credential.Credential) (*Conn, error) {
	target, err := BuildURL(cred, d.cfg)
	if err != nil {
		return nil, err
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial transcription socket: %w", err)
	}

	if err := awaitReady(ws, d.cfg.HandshakeTimeout); err != nil {
		_ = ws.Close()
		return nil, err
	}

	conn := &Conn{
		ws:      ws,
		logger:  d.logger,
		metrics: d.metrics,
		events:  make(chan Event, 64),
	}
	conn.open.Store(true)
	go conn.readLoop()
	return conn, nil
}

// awaitReady blocks until the server confirms readiness with
// {"type":"status","status":"connected"}. Other well-formed messages
// are ignored during the wait; malformed ones fail the attempt.
func awaitReady(ws *websocket.Conn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if err := ws.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrHandshakeTimeout
			}
			return fmt.Errorf("handshake read: %w", err)
		}

		msg, err := wire.ParseInbound(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshakeParse, err)
		}
		if msg.Kind == wire.KindStatusConnected {
			return ws.SetReadDeadline(time.Time{})
		}
	}
}

// Conn is one confirmed websocket connection.
type Conn struct {
	ws      *websocket.Conn
	logger  *slog.Logger
	metrics *metrics.Metrics

	events     chan Event
	open       atomic.Bool
	closeOnce  sync.Once
	closedByUs atomic.Bool
}

// Events returns the inbound event channel. It is closed when the
// connection is lost or closed.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// IsOpen reports whether the socket is confirmed open and usable.
func (c *Conn) IsOpen() bool {
	return c.open.Load()
}

// SendAudio encodes one PCM block and writes it as an audio message.
// Callers must serialize sends; the session loop is the only writer.
func (c *Conn) SendAudio(pcm []byte) error {
	if !c.open.Load() {
		return ErrNotOpen
	}
	if err := c.ws.WriteJSON(wire.AudioMessage{Audio: wire.EncodeAudio(pcm)}); err != nil {
		c.open.Store(false)
		return fmt.Errorf("send audio block: %w", err)
	}
	c.metrics.AudioBlocksSent.Inc()
	c.metrics.AudioBytesSent.Add(float64(len(pcm)))
	return nil
}

// Close shuts the socket down. Safe to call multiple times and
// concurrently with the read loop.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closedByUs.Store(true)
		c.open.Store(false)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

// readLoop pumps inbound messages until the socket closes for any reason.
func (c *Conn) readLoop() {
	defer close(c.events)

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			c.open.Store(false)
			if c.closedByUs.Load() || isExpectedClose(err) {
				c.events <- Event{Kind: EventClosed}
				return
			}
			c.events <- Event{Kind: EventClosed, Err: fmt.Errorf("socket read: %w", err)}
			return
		}

		msg, err := wire.ParseInbound(payload)
		if err != nil {
			c.metrics.ParseErrors.Inc()
			c.logger.Warn("skipping unparseable message", "error", err.Error())
			continue
		}

		switch msg.Kind {
		case wire.KindStatusDisconnected:
			c.open.Store(false)
			c.events <- Event{Kind: EventClosed}
			_ = c.ws.Close()
			return
		case wire.KindTranscript:
			c.events <- Event{Kind: EventTranscript, Text: msg.Text, IsFinal: msg.IsFinal}
		default:
		}
	}
}

// isExpectedClose reports close errors that do not indicate a fault.
func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
