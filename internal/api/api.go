// Package api exposes the engine's HTTP admin and ingestion surface.
//
// It provides RESTful endpoints for managing segments, journeys and campaign
// templates, inspecting participants and stats, and ingesting customer
// events. The API integrates with the segment engine, journey engine and
// registry; it holds no state of its own.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/fabiol8/piucane-engine/internal/journey"
	"github.com/fabiol8/piucane-engine/internal/segment"
	"github.com/fabiol8/piucane-engine/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address (e.g. ":8080").
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires HTTP handlers to the engines.
type Server struct {
	st       store.Store
	segments *segment.Engine
	registry *journey.Registry
	engine   *journey.Engine

	addr string
	srv  *http.Server
}

// NewServer creates an API server over the given collaborators.
func NewServer(st store.Store, segments *segment.Engine, registry *journey.Registry, engine *journey.Engine, opts ...Option) *Server {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	return &Server{st: st, segments: segments, registry: registry, engine: engine, addr: o.Addr}
}

// Run starts the HTTP server and blocks until it fails or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/events", s.eventsHandler)
	mux.HandleFunc("/segments", s.segmentsHandler)
	mux.HandleFunc("/segments/", s.segmentSubHandler)
	mux.HandleFunc("/journeys", s.journeysHandler)
	mux.HandleFunc("/journeys/", s.journeySubHandler)
	mux.HandleFunc("/templates", s.templatesHandler)
	mux.HandleFunc("/templates/", s.templateSubHandler)

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown failed", "error", err)
			return err
		}
		slog.Info("API server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// healthHandler provides a health check endpoint for monitoring and load balancing.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if _, err := s.st.ListJourneys(true); err != nil {
		slog.Warn("Health check: store probe failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "storage backend unavailable"
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, statusCode, healthData)
}
