// Package api provides the HTTP surface of the Brenda sales agent.
//
// It exposes the Twilio webhook, health and Prometheus endpoints, and a
// read-only view of a user's conversation state for support staff.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/metrics"
	"github.com/nocode-ecosdeliderazgo/Agente-Ventas-Brenda-Whatsapp-sub001/internal/store"
)

// Constants for API server configuration
const (
	// DefaultServerAddress is the default HTTP server address.
	DefaultServerAddress = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultReadHeaderTimeout protects against slow clients.
	DefaultReadHeaderTimeout = 10 * time.Second
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	TwilioWebhook http.HandlerFunc
	Checks        map[string]HealthCheck
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithTwilioWebhook mounts the Twilio inbound webhook at POST /webhooks/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) {
		o.TwilioWebhook = h
	}
}

// WithHealthCheck adds a named dependency check to GET /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(o *Opts) {
		if o.Checks == nil {
			o.Checks = make(map[string]HealthCheck)
		}
		o.Checks[name] = check
	}
}

// Server serves the HTTP endpoints.
type Server struct {
	states store.UserStateStore
	opts   Opts
}

// NewServer creates a Server over the state store.
func NewServer(states store.UserStateStore, opts ...Option) *Server {
	o := Opts{Addr: DefaultServerAddress}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{states: states, opts: o}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthzHandler)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /users/{id}/state", s.userStateHandler)
	if s.opts.TwilioWebhook != nil {
		mux.HandleFunc("POST /webhooks/twilio", s.opts.TwilioWebhook)
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
