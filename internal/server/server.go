// Package server runs a local demo origin for the streaming client:
// static assets, a streaming-token endpoint, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures the demo server.
type Options struct {
	StaticDir string
	APIURL    string
	AccountID string
}

// Server serves the demo origin endpoints.
type Server struct {
	opts     Options
	logger   *slog.Logger
	gatherer prometheus.Gatherer
}

// New validates options and builds a server.
func New(opts Options, logger *slog.Logger, gatherer prometheus.Gatherer) (*Server, error) {
	if strings.TrimSpace(opts.APIURL) == "" {
		return nil, fmt.Errorf("server.api_url must be set to issue streaming tokens")
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{opts: opts, logger: logger, gatherer: gatherer}, nil
}

type tokenResponse struct {
	Token     string `json:"token"`
	APIURL    string `json:"apiUrl"`
	AccountID string `json:"accountId"`
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /streaming-token", func(w http.ResponseWriter, _ *http.Request) {
		resp := tokenResponse{
			Token:     uuid.NewString(),
			APIURL:    s.opts.APIURL,
			AccountID: s.opts.AccountID,
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			s.logger.Warn("write token response", "error", err.Error())
			return
		}
		s.logger.Info("issued streaming token", "token", resp.Token)
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	if strings.TrimSpace(s.opts.StaticDir) != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.opts.StaticDir)))
	}

	return mux
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, listen string) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("demo server listening", "addr", listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown demo server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("demo server: %w", err)
		}
		return nil
	}
}
