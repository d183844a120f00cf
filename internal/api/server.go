package api

import (
	"context"
	"net/http"
	"time"

	"github.com/sentinelops/banhammer/internal/config"
)

// Server is the HTTP query API server.
type Server struct {
	cfg     config.APIConfig
	handler http.Handler
	server  *http.Server
}

// NewServer creates the API server. The per-request deadline is enforced by
// wrapping the router in http.TimeoutHandler.
func NewServer(cfg config.APIConfig, h *Handlers) *Server {
	router := SetupRoutes(h, cfg.Token)
	return &Server{
		cfg:     cfg,
		handler: http.TimeoutHandler(router, cfg.RequestTimeout(), `{"error":"request timed out"}`),
	}
}

// ListenAndServe starts the HTTP server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
