package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Handler processes one control command addressed to the session owner.
type Handler interface {
	Handle(context.Context, Request) Response
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, Request) Response

func (f HandlerFunc) Handle(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

// Serve answers control commands on the session-owner socket until the
// context is cancelled or the listener closes. Each client sends one
// newline-terminated JSON request and gets one JSON response back.
func Serve(ctx context.Context, listener net.Listener, logger *slog.Logger, handler Handler) error {
	var wg sync.WaitGroup

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			return fmt.Errorf("accept control connection: %w", err)
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer c.Close()
			serveConn(ctx, c, logger, handler)
		}(conn)
	}
}

// serveConn runs the single request-response exchange for one client.
// Malformed input gets an error response rather than a dropped
// connection, so a confused client still learns what went wrong.
func serveConn(ctx context.Context, c net.Conn, logger *slog.Logger, handler Handler) {
	line, err := bufio.NewReader(c).ReadBytes('\n')
	if err != nil {
		logger.Warn("read control request", "error", err.Error())
		_ = json.NewEncoder(c).Encode(Response{OK: false, Error: fmt.Sprintf("read request: %v", err)})
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		logger.Warn("decode control request", "error", err.Error())
		_ = json.NewEncoder(c).Encode(Response{OK: false, Error: fmt.Sprintf("decode request: %v", err)})
		return
	}

	logger.Debug("control command received", "command", req.Command)
	_ = json.NewEncoder(c).Encode(handler.Handle(ctx, req))
}
