// Package api exposes the OrderPipe HTTP surface: the gateway webhook and one
// endpoint per ordering operation.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/flow"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultFailedJobsLimit caps GET /jobs/failed.
	DefaultFailedJobsLimit = 50
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	TwilioWebhook http.HandlerFunc // mounted at /webhook/twilio when set
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithTwilioWebhook mounts the Twilio inbound form handler.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) {
		o.TwilioWebhook = h
	}
}

// Server serves the HTTP API over a flow pipeline.
type Server struct {
	pipeline *flow.Pipeline
	st       store.Store
	msg      flow.MessagingService
	opts     Opts
}

// NewServer creates a server. msg is the channel used for replies the
// handlers send themselves (cart updates and cancellations).
func NewServer(pipeline *flow.Pipeline, st store.Store, msg flow.MessagingService, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{pipeline: pipeline, st: st, msg: msg, opts: o}
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.webhookHandler)
	if s.opts.TwilioWebhook != nil {
		mux.HandleFunc("/webhook/twilio", s.opts.TwilioWebhook)
	}
	mux.HandleFunc("/orchestrate", s.orchestrateHandler)
	mux.HandleFunc("/audio", s.audioHandler)
	mux.HandleFunc("/keyword/validate", s.validateKeywordHandler)
	mux.HandleFunc("/cart/items", s.addCartItemHandler)
	mux.HandleFunc("/cart/cancel", s.cancelCartHandler)
	mux.HandleFunc("/proposals", s.proposalHandler)
	mux.HandleFunc("/threads/finalize", s.finalizeThreadHandler)
	mux.HandleFunc("/jobs/failed", s.failedJobsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return withCORS(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("OrderPipe API listening", "addr", s.opts.Addr)
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

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	return nil
}
