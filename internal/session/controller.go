package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rbright/livecap/internal/credential"
	"github.com/rbright/livecap/internal/fsm"
	"github.com/rbright/livecap/internal/metrics"
	"github.com/rbright/livecap/internal/stream"
	"github.com/rbright/livecap/internal/transcript"
)

// Config controls session behavior.
type Config struct {
	// Duration schedules an automatic Stop after this long; zero disables it.
	Duration time.Duration
	// MaxAttempts bounds consecutive failed reconnects; defaults to 5.
	MaxAttempts int
	// ResetAttemptsOnSuccess restores the retry budget after every
	// successful reconnect instead of letting attempts accumulate for
	// the whole session.
	ResetAttemptsOnSuccess bool
}

// Controller owns at most one active streaming session at a time.
type Controller struct {
	cfg      Config
	logger   *slog.Logger
	creds    credential.Source
	source   Source
	dialer   Dialer
	observer Observer
	metrics  *metrics.Metrics
	delayFn  func(attempt int) time.Duration

	mu     sync.Mutex
	state  fsm.State
	active *run
}

// run is the mutable state of one start-to-stop session lifetime.
type run struct {
	id      string
	started time.Time
	asm     transcript.Assembler

	stopCh       chan struct{}
	stopOnce     sync.Once
	completeOnce sync.Once
	stopped      atomic.Bool

	mu      sync.Mutex
	conn    Conn
	capture Capture
	attempt int
}

func (r *run) setConn(conn Conn) {
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
}

func (r *run) getConn() Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *run) setCapture(capture Capture) {
	r.mu.Lock()
	r.capture = capture
	r.mu.Unlock()
}

func (r *run) getCapture() Capture {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capture
}

// NewController constructs a controller with safe default fallbacks.
func NewController(
	cfg Config,
	logger *slog.Logger,
	creds credential.Source,
	source Source,
	dialer Dialer,
	observer Observer,
	m *metrics.Metrics,
) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Controller{
		cfg:      cfg,
		logger:   logger,
		creds:    creds,
		source:   source,
		dialer:   dialer,
		observer: observer,
		metrics:  m,
		delayFn:  Delay,
		state:    fsm.StateIdle,
	}
}

// State returns the current lifecycle state snapshot.
func (c *Controller) State() fsm.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the active session identifier, or "" when idle.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.id
}

// Start begins a new session. Calling it while a session is active is a
// no-op that logs a warning. Failures never propagate to the caller;
// they surface through the observer's error callback after a full stop.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		c.logger.Warn("session already active; ignoring start")
		return
	}
	if c.state == fsm.StateDisconnected || c.state == fsm.StateError {
		c.state = fsm.StateIdle
	}
	r := &run{
		id:      uuid.NewString(),
		started: time.Now(),
		stopCh:  make(chan struct{}),
	}
	c.active = r
	c.mu.Unlock()

	c.metrics.SessionsStarted.Inc()
	c.logger.Info("session starting", "session_id", r.id)
	c.setStatus(fsm.EventStart)

	// Capture opens first so a sample-rate mismatch aborts before any
	// credential fetch or socket dial.
	capture, err := c.source.Start(ctx)
	if err != nil {
		c.fail(r, fmt.Errorf("start audio capture: %w", err))
		return
	}
	r.setCapture(capture)

	cred, err := c.creds.Fetch(ctx)
	if err != nil {
		c.fail(r, fmt.Errorf("acquire streaming credential: %w", err))
		return
	}

	c.setStatus(fsm.EventDial)
	conn, err := c.dialer.Dial(ctx, cred)
	if err != nil {
		c.fail(r, fmt.Errorf("connect transcription stream: %w", err))
		return
	}
	r.setConn(conn)
	c.setStatus(fsm.EventConfirm)
	c.logger.Info("session connected", "session_id", r.id)

	go c.loop(ctx, r)
}

// Stop ends the active session. It is idempotent, synchronous, and safe
// from any state including mid-reconnect. The disconnected status is
// emitted before resources are released; the completion callback fires
// exactly once per session.
func (c *Controller) Stop() {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()
	if r == nil {
		return
	}
	c.stopRun(r)
	c.completeRun(r)
}

// stopRun performs the ordered, best-effort teardown exactly once.
func (c *Controller) stopRun(r *run) {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		close(r.stopCh)

		c.setStatus(fsm.EventStop)

		if capture := r.getCapture(); capture != nil {
			if err := capture.Stop(); err != nil {
				c.logger.Warn("stop audio capture", "error", err.Error())
			}
		}
		if conn := r.getConn(); conn != nil {
			if err := conn.Close(); err != nil {
				c.logger.Warn("close socket", "error", err.Error())
			}
		}

		c.mu.Lock()
		if c.active == r {
			c.active = nil
		}
		c.mu.Unlock()

		c.logger.Info("session stopped", "session_id", r.id)
	})
}

// completeRun fires the completion callback exactly once per session,
// after every other callback for that session.
func (c *Controller) completeRun(r *run) {
	r.completeOnce.Do(func() {
		c.metrics.SessionsCompleted.Inc()
		c.observer.OnComplete()
	})
}

// fail funnels every fatal condition through one path: full stop first
// (which emits disconnected), then the error status and callback, then
// completion.
func (c *Controller) fail(r *run, err error) {
	c.logger.Error("session failed", "session_id", r.id, "error", err.Error())
	c.metrics.SessionErrors.Inc()
	c.stopRun(r)
	c.setStatus(fsm.EventFail)
	c.observer.OnError(err)
	c.completeRun(r)
}

// setStatus applies a lifecycle event and notifies the observer.
func (c *Controller) setStatus(event fsm.Event) {
	c.mu.Lock()
	next, err := fsm.Transition(c.state, event)
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("ignoring lifecycle event", "event", string(event), "error", err.Error())
		return
	}
	c.state = next
	c.mu.Unlock()
	c.observer.OnStatusChange(next)
}

// dialOutcome carries an async reconnect result back into the loop.
type dialOutcome struct {
	conn Conn
	err  error
}

// loop is the single event goroutine for one session. Audio sends,
// transcript application, and reconnect scheduling all happen here, so
// blocks go out in capture order and fragments apply in receipt order.
func (c *Controller) loop(ctx context.Context, r *run) {
	var countdown <-chan time.Time
	if c.cfg.Duration > 0 {
		// The deadline anchors to the Start call, so a slow credential
		// fetch or handshake never extends the configured duration.
		remaining := c.cfg.Duration - time.Since(r.started)
		if remaining < 0 {
			remaining = 0
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		countdown = timer.C
	}

	var retryTimer *time.Timer
	var retryCh <-chan time.Time
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	// Unbuffered on purpose: the dial goroutine blocks until the loop
	// receives the outcome or the session stops, so a connection
	// established after Stop is closed instead of abandoned.
	dialResult := make(chan dialOutcome)

	conn := r.getConn()
	events := conn.Events()
	blocks := r.getCapture().Blocks()

	for {
		select {
		case <-r.stopCh:
			return

		case <-countdown:
			c.logger.Info("configured duration elapsed; stopping session", "session_id", r.id)
			c.stopRun(r)
			c.completeRun(r)
			return

		case block, ok := <-blocks:
			if !ok {
				blocks = nil
				continue
			}
			if conn == nil || !conn.IsOpen() {
				// Real-time audio has no stale-value use: drop, never queue.
				c.metrics.AudioBlocksDropped.Inc()
				continue
			}
			if err := conn.SendAudio(block); err != nil {
				c.metrics.AudioBlocksDropped.Inc()
				c.logger.Warn("dropping audio block", "error", err.Error())
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Kind {
			case stream.EventTranscript:
				c.metrics.TranscriptFragments.Inc()
				c.observer.OnTranscription(r.asm.Apply(ev.Text, ev.IsFinal))
			case stream.EventClosed:
				if r.stopped.Load() {
					continue
				}
				if ev.Err != nil {
					c.logger.Warn("connection lost", "session_id", r.id, "error", ev.Err.Error())
				} else {
					c.logger.Warn("connection lost", "session_id", r.id)
				}
				// The dead socket is released before any replacement
				// exists, so at most one connection is ever held.
				if err := conn.Close(); err != nil {
					c.logger.Warn("close stale socket", "error", err.Error())
				}
				conn = nil
				events = nil
				r.setConn(nil)
				if c.scheduleReconnect(r, &retryTimer, &retryCh) {
					return
				}
			}

		case <-retryCh:
			retryCh = nil
			retryTimer = nil
			// The timer may race a concurrent stop; fired timers do no work.
			if r.stopped.Load() {
				return
			}
			c.setStatus(fsm.EventRetry)
			go func() {
				var out dialOutcome
				if cred, err := c.creds.Fetch(ctx); err != nil {
					out.err = fmt.Errorf("refresh streaming credential: %w", err)
				} else if fresh, err := c.dialer.Dial(ctx, cred); err != nil {
					out.err = fmt.Errorf("reconnect transcription stream: %w", err)
				} else {
					out.conn = fresh
				}
				select {
				case dialResult <- out:
				case <-r.stopCh:
					if out.conn != nil {
						_ = out.conn.Close()
					}
				}
			}()

		case out := <-dialResult:
			if r.stopped.Load() {
				if out.conn != nil {
					_ = out.conn.Close()
				}
				return
			}
			if out.err != nil {
				c.metrics.ReconnectFailures.Inc()
				c.logger.Warn("reconnect attempt failed", "session_id", r.id, "error", out.err.Error())
				if c.scheduleReconnect(r, &retryTimer, &retryCh) {
					return
				}
				continue
			}
			conn = out.conn
			events = conn.Events()
			r.setConn(conn)
			if c.cfg.ResetAttemptsOnSuccess {
				r.attempt = 0
			}
			c.setStatus(fsm.EventConfirm)
			c.logger.Info("session reconnected", "session_id", r.id, "attempt", r.attempt)
		}
	}
}

// scheduleReconnect arms the backoff timer for the next attempt. It
// returns true when the session is over: retries exhausted (fatal) or
// already stopped.
func (c *Controller) scheduleReconnect(r *run, timer **time.Timer, ch *<-chan time.Time) bool {
	if r.stopped.Load() {
		return true
	}
	if r.attempt >= c.cfg.MaxAttempts {
		c.fail(r, fmt.Errorf("lost connection after %d attempts", r.attempt))
		return true
	}

	delay := c.delayFn(r.attempt)
	r.attempt++
	c.metrics.Reconnects.Inc()
	c.setStatus(fsm.EventLose)
	c.logger.Info("scheduling reconnect",
		"session_id", r.id,
		"attempt", r.attempt,
		"delay_ms", delay.Milliseconds(),
	)

	t := time.NewTimer(delay)
	*timer = t
	*ch = t.C
	return false
}
