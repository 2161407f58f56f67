// Package api serves the read-only web dashboard: a REST surface over the
// store and live engine state, plus a WebSocket feed of trades, decisions,
// and book updates.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"polyarb/internal/config"
	"polyarb/internal/store"
)

// Server runs the dashboard HTTP/WebSocket endpoint.
type Server struct {
	cfg     config.DashboardConfig
	hub     *Hub
	emitter *Emitter
	server  *http.Server
	logger  *slog.Logger
}

// NewServer builds the server and its routes.
func NewServer(cfg config.Config, provider StateProvider, st *store.Store, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, st, cfg, hub, logger)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Get("/health", handlers.HandleHealth)
		r.Get("/api/state", handlers.HandleState)
		r.Get("/api/trades", handlers.HandleTrades)
		r.Get("/api/positions", handlers.HandlePositions)
		r.Get("/api/pnl-history", handlers.HandlePnLHistory)
	})

	// Streaming endpoints hold their connection open, no request timeout.
	r.Get("/api/events", handlers.HandleEvents)
	r.Get("/ws", handlers.HandleWebSocket)

	// Static dashboard assets, when deployed alongside the binary.
	r.Handle("/*", http.FileServer(http.Dir("web")))

	return &Server{
		cfg:     cfg.Dashboard,
		hub:     hub,
		emitter: NewEmitter(hub),
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Dashboard.Port),
			Handler: r,
			// No Read/WriteTimeout: SSE and WebSocket connections are
			// long-lived and manage their own deadlines.
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With("component", "api-server"),
	}
}

// Emitter returns the push interface the engine and executor use.
func (s *Server) Emitter() *Emitter { return s.emitter }

// Start runs the hub and the HTTP listener. Blocks until shutdown.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
