package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/rbright/livecap/internal/credential"
	"github.com/rbright/livecap/internal/fsm"
	"github.com/rbright/livecap/internal/metrics"
	"github.com/rbright/livecap/internal/stream"
)

type recorder struct {
	mu        sync.Mutex
	statuses  []fsm.State
	texts     []string
	errs      []error
	completes int
}

func (r *recorder) OnStatusChange(state fsm.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, state)
}

func (r *recorder) OnTranscription(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) OnComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes++
}

func (r *recorder) snapshotStatuses() []fsm.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]fsm.State, len(r.statuses))
	copy(out, r.statuses)
	return out
}

func (r *recorder) snapshotTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.texts))
	copy(out, r.texts)
	return out
}

func (r *recorder) snapshotErrs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]error, len(r.errs))
	copy(out, r.errs)
	return out
}

func (r *recorder) completeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completes
}

func (r *recorder) lastStatus() fsm.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

type fakeCapture struct {
	blocks chan []byte
	once   sync.Once
	stops  int
	mu     sync.Mutex
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{blocks: make(chan []byte, 16)}
}

func (f *fakeCapture) Blocks() <-chan []byte { return f.blocks }

func (f *fakeCapture) Stop() error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	f.once.Do(func() { close(f.blocks) })
	return nil
}

type fakeSource struct {
	capture *fakeCapture
	err     error
}

func (f *fakeSource) Start(context.Context) (Capture, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.capture, nil
}

type fakeConn struct {
	events chan stream.Event

	mu     sync.Mutex
	open   bool
	sent   [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan stream.Event, 16), open: true}
}

func (f *fakeConn) Events() <-chan stream.Event { return f.events }

func (f *fakeConn) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeConn) setOpen(open bool) {
	f.mu.Lock()
	f.open = open
	f.mu.Unlock()
}

func (f *fakeConn) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return stream.ErrNotOpen
	}
	f.sent = append(f.sent, pcm)
	return nil
}

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeConn) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.open = false
	f.closed = true
	f.mu.Unlock()
	return nil
}

type dialStep struct {
	conn *fakeConn
	err  error
}

type fakeDialer struct {
	mu    sync.Mutex
	steps []dialStep
	calls int
}

func (f *fakeDialer) Dial(context.Context, credential.Credential) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.steps) {
		f.calls++
		return nil, errors.New("no scripted dial result")
	}
	step := f.steps[f.calls]
	f.calls++
	if step.err != nil {
		return nil, step.err
	}
	return step.conn, nil
}

func (f *fakeDialer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCreds struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeCreds) Fetch(context.Context) (credential.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return credential.Credential{}, f.err
	}
	return credential.Credential{Token: "tok", APIURL: "https://api.example.com"}, nil
}

func (f *fakeCreds) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestController(cfg Config, creds credential.Source, source Source, dialer Dialer, obs Observer) *Controller {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(prometheus.NewRegistry())
	c := NewController(cfg, logger, creds, source, dialer, obs, m)
	c.delayFn = func(int) time.Duration { return 0 }
	return c
}

func TestStartThenStopLifecycle(t *testing.T) {
	t.Parallel()

	obs := &recorder{}
	conn := newFakeConn()
	dialer := &fakeDialer{steps: []dialStep{{conn: conn}}}
	source := &fakeSource{capture: newFakeCapture()}
	creds := &fakeCreds{}
	c := newTestController(Config{}, creds, source, dialer, obs)

	c.Start(context.Background())
	require.Equal(t, fsm.StateConnected, c.State())
	require.NotEmpty(t, c.SessionID())

	c.Stop()
	require.Equal(t, fsm.StateDisconnected, c.State())
	require.Empty(t, c.SessionID())
	require.Equal(t, 1, obs.completeCount())
	require.Equal(t,
		[]fsm.State{fsm.StateStarting, fsm.StateConnecting, fsm.StateConnected, fsm.StateDisconnected},
		obs.snapshotStatuses(),
	)
	require.Empty(t, obs.snapshotErrs())
	require.True(t, conn.wasClosed())
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	obs := &recorder{}
	dialer := &fakeDialer{steps: []dialStep{{conn: newFakeConn()}}}
	capture := newFakeCapture()
	c := newTestController(Config{}, &fakeCreds{}, &fakeSource{capture: capture}, dialer, obs)

	c.Start(context.Background())
	c.Stop()
	c.Stop()
	c.Stop()

	require.Equal(t, 1, obs.completeCount())
	capture.mu.Lock()
	stops := capture.stops
	capture.mu.Unlock()
	require.Equal(t, 1, stops)
}

func TestStopWithoutSessionIsNoOp(t *testing.T) {
	t.Parallel()

	obs := &recorder{}
	c := newTestController(Config{}, &fakeCreds{}, &fakeSource{capture: newFakeCapture()}, &fakeDialer{}, obs)

	c.Stop()
	require.Equal(t, 0, obs.completeCount())
	require.Empty(t, obs.snapshotStatuses())
}

func TestStartWhileActiveIsNoOp(t *testing.T) {
	t.Parallel()

	obs := &recorder{}
	dialer := &fakeDialer{steps: []dialStep{{conn: newFakeConn()}, {conn: newFakeConn()}}}
	c := newTestController(Config{}, &fakeCreds{}, &fakeSource{capture: newFakeCapture()}, dialer, obs)

	c.Start(context.Background())
	first := c.SessionID()
	c.Start(context.Background())

	require.Equal(t, first, c.SessionID())
	require.Equal(t, 1, dialer.dialCount())
	c.Stop()
}

func TestCaptureFailureSurfacesAsError(t *testing.T) {
	t.Parallel()

	obs := &recorder{}
	rateErr := errors.New("microphone negotiated 44100 Hz but exactly 16000 Hz is required")
	dialer := &fakeDialer{steps: []dialStep{{conn: newFakeConn()}}}
	c := newTestController(Config{}, &fakeCreds{}, &fakeSource{err: rateErr}, dialer, obs)

	c.Start(context.Background())

	require.Equal(t, fsm.StateError, c.State())
	require.Equal(t, 0, dialer.dialCount(), "rate mismatch must abort before any dial")
	errs := obs.snapshotErrs()
	require.Len(t, errs, 1)
	require.ErrorContains(t, errs[0], "44100")
	require.Equal(t, 1, obs.completeCount())

	// Stop teardown precedes the error callback, so the status trail
	// always shows disconnected before error.
	statuses := obs.snapshotStatuses()
	require.Equal(t, fsm.StateError, statuses[len(statuses)-1])
	require.Equal(t, fsm.StateDisconnected, statuses[len(statuses)-2])
}

func TestCredentialFailureSurfacesAsError(t *testing.T) {
	t.Parallel()

	obs := &recorder{}
	creds := &fakeCreds{err: errors.New("streaming token endpoint returned HTTP 502")}
	c := newTestController(Config{}, creds, &fakeSource{capture: newFakeCapture()}, &fakeDialer{}, obs)

	c.Start(context.Background())

	require.Equal(t, fsm.StateError, c.State())
	errs := obs.snapshotErrs()
	require.Len(t, errs, 1)
	require.ErrorContains(t, errs[0], "streaming token endpoint")
}

func TestTranscriptFragmentsReachObserver(t *testing.T) {
	t.Parallel()

	obs := &recorder{}
	conn := newFakeConn()
	dialer := &fakeDialer{steps: []dialStep{{conn: conn}}}
	c := newTestController(Config{}, &fakeCreds{}, &fakeSource{capture: newFakeCapture()}, dialer, obs)

	c.Start(context.Background())

	conn.events <- stream.Event{Kind: stream.EventTranscript, Text: "Hel"}
	conn.events <- stream.Event{Kind: stream.EventTranscript, Text: "Hello world", IsFinal: true}
	conn.events <- stream.Event{Kind: stream.EventTranscript, Text: "how"}

	require.Eventually(t, func() bool {
		return len(obs.snapshotTexts()) == 3
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, []string{"Hel", "Hello world", "Hello world how"}, obs.snapshotTexts())
	c.Stop()
}

func TestAudioBlocksSentWhileOpenDroppedWhileClosed(t *testing.T) {
	t.Parallel()

	obs := &recorder{}
	conn := newFakeConn()
	capture := newFakeCapture()
	dialer := &fakeDialer{steps: []dialStep{{conn: conn}}}
	c := newTestController(Config{}, &fakeCreds{}, &fakeSource{capture: capture}, dialer, obs)

	c.Start(context.Background())

	capture.blocks <- []byte{1, 2, 3, 4}
	require.Eventually(t, func() bool {
		return conn.sentCount() == 1
	}, time.Second, 5*time.Millisecond)

	conn.setOpen(false)
	capture.blocks <- []byte{5, 6, 7, 8}
	capture.blocks <- []byte{9, 10, 11, 12}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.metrics.AudioBlocksDropped) == 2
	}, time.Second, 5*time.Millisecond)

	conn.setOpen(true)
	capture.blocks <- []byte{13, 14, 15, 16}
	require.Eventually(t, func() bool {
		return conn.sentCount() == 2
	}, time.Second, 5*time.Millisecond)

	conn.mu.Lock()
	last := conn.sent[1]
	conn.mu.Unlock()
	require.Equal(t, []byte{13, 14, 15, 16}, last)
	c.Stop()
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	t.Parallel()

	obs := &recorder{}
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{steps: []dialStep{{conn: first}, {conn: second}}}
	creds := &fakeCreds{}
	c := newTestController(Config{}, creds, &fakeSource{capture: newFakeCapture()}, dialer, obs)

	c.Start(context.Background())

	first.setOpen(false)
	first.events <- stream.Event{Kind: stream.EventClosed, Err: errors.New("connection reset")}

	require.Eventually(t, func() bool {
		return dialer.dialCount() == 2 && c.State() == fsm.StateConnected
	}, time.Second, 5*time.Millisecond)

	// Every reconnect fetches a fresh credential rather than reusing
	// the one from the original dial.
	require.Equal(t, 2, creds.fetchCount())

	// Transcripts from the replacement socket keep extending the same
	// session transcript.
	second.events <- stream.Event{Kind: stream.EventTranscript, Text: "still here", IsFinal: true}
	require.Eventually(t, func() bool {
		return len(obs.snapshotTexts()) == 1
	}, time.Second, 5*time.Millisecond)

	statuses := obs.snapshotStatuses()
	require.Equal(t,
		[]fsm.State{
			fsm.StateStarting, fsm.StateConnecting, fsm.StateConnected,
			fsm.StateReconnecting, fsm.StateConnecting, fsm.StateConnected,
		},
		statuses,
	)
	c.Stop()
	require.Equal(t, 1, obs.completeCount())
}

func TestConnectionLossClosesStaleSocket(t *testing.T) {
	t.Parallel()

	obs := &recorder{}
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{steps: []dialStep{{conn: first}, {conn: second}}}
	c := newTestController(Config{}, &fakeCreds{}, &fakeSource{capture: newFakeCapture()}, dialer, obs)

	c.Start(context.Background())

	first.setOpen(false)
	first.events <- stream.Event{Kind: stream.EventClosed, Err: errors.New("connection reset")}

	require.Eventually(t, func() bool {
		return dialer.dialCount() == 2 && c.State() == fsm.StateConnected
	}, time.Second, 5*time.Millisecond)

	require.True(t, first.wasClosed(), "lost socket must be released before its replacement exists")
	require.False(t, second.wasClosed())
	c.Stop()
	require.True(t, second.wasClosed())
}

func TestStopDuringInFlightDialClosesLateConnection(t *testing.T) {
	t.Parallel()

	obs := &recorder{}
	first := newFakeConn()
	late := newFakeConn()
	release := make(chan struct{})
	var dials atomic.Int32
	dialer := dialerFunc(func(context.Context, credential.Credential) (Conn, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		<-release
		return late, nil
	})
	c := newTestController(Config{MaxAttempts: 5}, &fakeCreds{}, &fakeSource{capture: newFakeCapture()}, dialer, obs)

	c.Start(context.Background())
	first.setOpen(false)
	first.events <- stream.Event{Kind: stream.EventClosed, Err: errors.New("gone")}

	require.Eventually(t, func() bool {
		return dials.Load() == 2
	}, time.Second, 5*time.Millisecond)

	// Stop lands while the replacement dial is still blocked; the
	// connection it eventually produces must not leak.
	c.Stop()
	close(release)

	require.Eventually(t, func() bool {
		return late.wasClosed()
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, fsm.StateDisconnected, c.State())
	require.Equal(t, 1, obs.completeCount())
}

func TestReconnectExhaustionIsFatal(t *testing.T) {
	t.Parallel()

	obs := &recorder{}
	first := newFakeConn()
	dialer := &fakeDialer{steps: []dialStep{
		{conn: first},
		{err: errors.New("dial tcp: connection refused")},
		{err: errors.New("dial tcp: connection refused")},
	}}
	creds := &fakeCreds{}
	c := newTestController(Config{MaxAttempts: 2}, creds, &fakeSource{capture: newFakeCapture()}, dialer, obs)

	c.Start(context.Background())
	first.setOpen(false)
	first.events <- stream.Event{Kind: stream.EventClosed, Err: errors.New("gone")}

	require.Eventually(t, func() bool {
		return len(obs.snapshotErrs()) == 1
	}, time.Second, 5*time.Millisecond)

	require.ErrorContains(t, obs.snapshotErrs()[0], "lost connection after 2 attempts")
	require.Equal(t, fsm.StateError, c.State())
	require.Equal(t, 1, obs.completeCount())
	require.Equal(t, 3, creds.fetchCount())

	statuses := obs.snapshotStatuses()
	require.Equal(t, fsm.StateError, statuses[len(statuses)-1])
	require.Equal(t, fsm.StateDisconnected, statuses[len(statuses)-2])
}

func TestStopDuringReconnectCancelsRetries(t *testing.T) {
	t.Parallel()

	obs := &recorder{}
	first := newFakeConn()
	dialer := &fakeDialer{steps: []dialStep{
		{conn: first},
		{err: errors.New("dial tcp: connection refused")},
	}}
	c := newTestController(Config{MaxAttempts: 5}, &fakeCreds{}, &fakeSource{capture: newFakeCapture()}, dialer, obs)
	c.delayFn = func(int) time.Duration { return time.Hour }

	c.Start(context.Background())
	first.setOpen(false)
	first.events <- stream.Event{Kind: stream.EventClosed, Err: errors.New("gone")}

	require.Eventually(t, func() bool {
		return c.State() == fsm.StateReconnecting
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	require.Equal(t, fsm.StateDisconnected, c.State())
	require.Equal(t, 1, obs.completeCount())
	require.Empty(t, obs.snapshotErrs())
	require.Equal(t, 1, dialer.dialCount())
}

func TestDurationStopsSessionAutomatically(t *testing.T) {
	t.Parallel()

	obs := &recorder{}
	dialer := &fakeDialer{steps: []dialStep{{conn: newFakeConn()}}}
	c := newTestController(Config{Duration: 20 * time.Millisecond}, &fakeCreds{}, &fakeSource{capture: newFakeCapture()}, dialer, obs)

	c.Start(context.Background())

	require.Eventually(t, func() bool {
		return obs.completeCount() == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, fsm.StateDisconnected, c.State())
	require.Empty(t, obs.snapshotErrs())
}

func TestSlowCredentialFetchDoesNotExtendDuration(t *testing.T) {
	t.Parallel()

	obs := &recorder{}
	dialer := &fakeDialer{steps: []dialStep{{conn: newFakeConn()}}}
	creds := credsFunc(func(context.Context) (credential.Credential, error) {
		time.Sleep(400 * time.Millisecond)
		return credential.Credential{Token: "tok", APIURL: "https://api.example.com"}, nil
	})
	c := newTestController(Config{Duration: 300 * time.Millisecond}, creds, &fakeSource{capture: newFakeCapture()}, dialer, obs)

	// The duration window opens at Start and has fully elapsed by the
	// time the slow credential fetch finishes, so the session must end
	// almost immediately instead of running another full window.
	c.Start(context.Background())
	begin := time.Now()

	require.Eventually(t, func() bool {
		return obs.completeCount() == 1
	}, time.Second, 5*time.Millisecond)
	require.Less(t, time.Since(begin), 150*time.Millisecond)
	require.Equal(t, fsm.StateDisconnected, c.State())
	require.Empty(t, obs.snapshotErrs())
}

func TestResetAttemptsOnSuccessRestoresBudget(t *testing.T) {
	t.Parallel()

	obs := &recorder{}
	first := newFakeConn()
	second := newFakeConn()
	third := newFakeConn()
	dialer := &fakeDialer{steps: []dialStep{{conn: first}, {conn: second}, {conn: third}}}
	cfg := Config{MaxAttempts: 1, ResetAttemptsOnSuccess: true}
	c := newTestController(cfg, &fakeCreds{}, &fakeSource{capture: newFakeCapture()}, dialer, obs)

	c.Start(context.Background())

	first.setOpen(false)
	first.events <- stream.Event{Kind: stream.EventClosed}
	require.Eventually(t, func() bool {
		return dialer.dialCount() == 2 && c.State() == fsm.StateConnected
	}, time.Second, 5*time.Millisecond)

	// With the budget restored, a second loss still gets a retry even
	// though max attempts is one.
	second.setOpen(false)
	second.events <- stream.Event{Kind: stream.EventClosed}
	require.Eventually(t, func() bool {
		return dialer.dialCount() == 3 && c.State() == fsm.StateConnected
	}, time.Second, 5*time.Millisecond)

	require.Empty(t, obs.snapshotErrs())
	c.Stop()
}

func TestStartAfterStopBeginsFreshSession(t *testing.T) {
	t.Parallel()

	obs := &recorder{}
	dialer := &fakeDialer{steps: []dialStep{{conn: newFakeConn()}, {conn: newFakeConn()}}}
	captures := []*fakeCapture{newFakeCapture(), newFakeCapture()}
	idx := 0
	source := sourceFunc(func(context.Context) (Capture, error) {
		capture := captures[idx]
		idx++
		return capture, nil
	})
	c := newTestController(Config{}, &fakeCreds{}, source, dialer, obs)

	c.Start(context.Background())
	firstID := c.SessionID()
	c.Stop()

	c.Start(context.Background())
	secondID := c.SessionID()
	c.Stop()

	require.NotEqual(t, firstID, secondID)
	require.Equal(t, 2, obs.completeCount())
	require.Equal(t, 2, dialer.dialCount())
}

type sourceFunc func(ctx context.Context) (Capture, error)

func (f sourceFunc) Start(ctx context.Context) (Capture, error) { return f(ctx) }

type dialerFunc func(ctx context.Context, cred credential.Credential) (Conn, error)

func (f dialerFunc) Dial(ctx context.Context, cred credential.Credential) (Conn, error) {
	return f(ctx, cred)
}

type credsFunc func(ctx context.Context) (credential.Credential, error)

func (f credsFunc) Fetch(ctx context.Context) (credential.Credential, error) { return f(ctx) }
