// Package app wires configuration, logging, and the session controller
// behind the livecap command-line interface.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rbright/livecap/internal/audio"
	"github.com/rbright/livecap/internal/batch"
	"github.com/rbright/livecap/internal/cli"
	"github.com/rbright/livecap/internal/config"
	"github.com/rbright/livecap/internal/credential"
	"github.com/rbright/livecap/internal/doctor"
	"github.com/rbright/livecap/internal/ipc"
	"github.com/rbright/livecap/internal/logging"
	"github.com/rbright/livecap/internal/metrics"
	"github.com/rbright/livecap/internal/notes"
	"github.com/rbright/livecap/internal/server"
	"github.com/rbright/livecap/internal/session"
	"github.com/rbright/livecap/internal/stream"
	"github.com/rbright/livecap/internal/transcript"
	"github.com/rbright/livecap/internal/version"
)

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText("livecap"))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText("livecap"))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	logRuntime, err := logging.New()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("load config failed", "error", err.Error())
		return 1
	}
	for _, w := range cfgLoaded.Warnings {
		fmt.Fprintf(r.Stderr, "warning: %s\n", w.Message)
		logger.Warn("config warning", "message", w.Message)
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
	)

	switch parsed.Command {
	case cli.CommandDoctor:
		report := doctor.Run(cfgLoaded)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandDevices:
		return r.commandDevices(ctx)
	case cli.CommandStatus:
		return r.commandStatus(ctx)
	case cli.CommandStop:
		return r.forwardOrFail(ctx, ipc.CommandStop)
	case cli.CommandStart:
		return r.commandStart(ctx, parsed, cfgLoaded.Config, logger)
	case cli.CommandTranscribe:
		return r.commandTranscribe(ctx, parsed.Args, cfgLoaded.Config)
	case cli.CommandNotes:
		return r.commandNotes(ctx, parsed.Args, cfgLoaded.Config)
	case cli.CommandServe:
		return r.commandServe(ctx, cfgLoaded.Config, logger)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

func (r Runner) commandDevices(ctx context.Context) int {
	devices, err := audio.ListDevices(ctx)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(r.Stdout, "no audio devices found")
		return 1
	}

	for _, device := range devices {
		defaultMark := " "
		if device.Default {
			defaultMark = "*"
		}
		availability := "yes"
		if !device.Available {
			availability = "no"
		}
		muted := "no"
		if device.Muted {
			muted = "yes"
		}
		fmt.Fprintf(
			r.Stdout,
			"%s id=%s | description=%q | state=%s | available=%s | muted=%s\n",
			defaultMark,
			device.ID,
			device.Description,
			device.State,
			availability,
			muted,
		)
	}

	return 0
}

func (r Runner) commandStatus(ctx context.Context) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintln(r.Stdout, "idle")
		return 0
	}

	resp, handled, err := tryForward(ctx, socketPath, ipc.CommandStatus)
	if handled {
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
			return 1
		}
		if resp.State == "" {
			resp.State = "idle"
		}
		fmt.Fprintln(r.Stdout, resp.State)
		return 0
	}

	fmt.Fprintln(r.Stdout, "idle")
	return 0
}

func (r Runner) forwardOrFail(ctx context.Context, command string) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := tryForward(ctx, socketPath, command)
	if !handled {
		fmt.Fprintf(r.Stderr, "error: no active livecap session\n")
		return 1
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	return 0
}

// pulseSource adapts device selection plus capture into the session's
// audio port.
type pulseSource struct {
	input    string
	fallback string
	logger   *slog.Logger
}

func (s pulseSource) Start(ctx context.Context) (session.Capture, error) {
	selection, err := audio.SelectDevice(ctx, s.input, s.fallback)
	if err != nil {
		return nil, err
	}
	if selection.Warning != "" {
		s.logger.Warn("audio device fallback", "warning", selection.Warning)
	}
	return audio.StartCapture(ctx, selection.Device)
}

func (r Runner) commandStart(ctx context.Context, parsed cli.Parsed, cfg config.Config, logger *slog.Logger) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	listener, err := ipc.Acquire(ctx, socketPath, 180*time.Millisecond, 8, nil)
	if err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			fmt.Fprintln(r.Stderr, "error: a livecap session is already running; use `livecap status` or `livecap stop`")
			return 1
		}
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	duration := parsed.Duration
	if duration == 0 {
		duration = cfg.Session.Duration()
	}

	m := metrics.New(prometheus.NewRegistry())
	obs := newConsoleObserver(r.Stdout, r.Stderr)
	creds := credential.NewClient(cfg.AppOrigin, 10*time.Second)
	dialer := session.StreamDialer{
		Dialer: stream.NewDialer(stream.Config{HandshakeTimeout: cfg.Stream.HandshakeTimeout()}, logger, m),
	}
	source := pulseSource{input: cfg.Audio.Input, fallback: cfg.Audio.Fallback, logger: logger}

	controller := session.NewController(
		session.Config{
			Duration:               duration,
			MaxAttempts:            cfg.Reconnect.MaxAttempts,
			ResetAttemptsOnSuccess: cfg.Reconnect.ResetOnSuccess,
		},
		logger, creds, source, dialer, obs, m,
	)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- ipc.Serve(serverCtx, listener, logger, controlHandler(controller, obs))
	}()

	controller.Start(ctx)

	select {
	case <-ctx.Done():
		controller.Stop()
		<-obs.Done()
	case <-obs.Done():
	}

	serverCancel()
	if serverErr := <-serverErrCh; serverErr != nil {
		fmt.Fprintf(r.Stderr, "error: ipc server failed: %v\n", serverErr)
		return 1
	}

	if obs.Err() != nil {
		return 1
	}
	return 0
}

// controlHandler answers start/stop/status requests while a session
// owner is running.
func controlHandler(controller *session.Controller, obs *consoleObserver) ipc.Handler {
	return ipc.HandlerFunc(func(_ context.Context, req ipc.Request) ipc.Response {
		switch req.Command {
		case ipc.CommandStatus:
			return ipc.Response{
				OK:         true,
				State:      string(controller.State()),
				SessionID:  controller.SessionID(),
				Transcript: obs.Transcript(),
			}
		case ipc.CommandStop:
			controller.Stop()
			return ipc.Response{OK: true, Message: "stopped"}
		case ipc.CommandStart:
			return ipc.Response{OK: false, Error: "session already active"}
		default:
			return ipc.Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Command)}
		}
	})
}

func (r Runner) commandTranscribe(ctx context.Context, paths []string, cfg config.Config) int {
	if len(paths) == 0 {
		fmt.Fprintln(r.Stderr, "error: transcribe requires at least one audio file")
		return 2
	}

	client := batch.NewClient(cfg.AppOrigin, cfg.Batch.PollInterval(), cfg.Batch.Timeout())
	format := transcript.FormatOptions{CapitalizeSentences: true, TrailingNewline: true}

	for _, path := range paths {
		text, err := client.Transcribe(ctx, path)
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: %s: %v\n", path, err)
			return 1
		}
		if len(paths) > 1 {
			fmt.Fprintf(r.Stdout, "== %s ==\n", path)
		}
		fmt.Fprint(r.Stdout, transcript.Format(text, format))
	}

	return 0
}

func (r Runner) commandNotes(ctx context.Context, paths []string, cfg config.Config) int {
	if len(paths) != 1 {
		fmt.Fprintln(r.Stderr, "error: notes requires exactly one transcript file")
		return 2
	}

	content, err := os.ReadFile(paths[0])
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	client := notes.NewClient(cfg.AppOrigin, cfg.Notes.Timeout())
	generated, err := client.Generate(ctx, string(content))
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	fmt.Fprintln(r.Stdout, generated)
	return 0
}

func (r Runner) commandServe(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	reg := prometheus.NewRegistry()
	metrics.New(reg)

	srv, err := server.New(server.Options{
		StaticDir: cfg.Server.StaticDir,
		APIURL:    cfg.Server.APIURL,
		AccountID: cfg.Server.AccountID,
	}, logger, reg)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	if err := srv.Run(ctx, cfg.Server.Listen); err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func tryForward(ctx context.Context, socketPath string, command string) (ipc.Response, bool, error) {
	resp, err := ipc.Send(ctx, socketPath, ipc.Request{Command: command}, 220*time.Millisecond)
	if err == nil {
		if resp.OK {
			return resp, true, nil
		}
		return resp, true, errors.New(resp.Error)
	}

	if isSocketMissing(err) {
		return ipc.Response{}, false, nil
	}
	if isConnectionRefused(err) {
		return ipc.Response{}, false, nil
	}

	return ipc.Response{}, true, fmt.Errorf("forward command %q: %w", command, err)
}

func isSocketMissing(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrNotExist) ||
		strings.Contains(err.Error(), "no such file or directory")
}

func isConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}
