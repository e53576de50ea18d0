// Package api is the operator surface: a JSON HTTP API over the durable and
// volatile stores plus a WebSocket hub that streams pipeline events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"polycopy/internal/config"
	"polycopy/internal/pipeline"
)

// Server runs the HTTP API and the event stream.
type Server struct {
	cfg      config.DashboardConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	cancel   context.CancelFunc
	logger   *slog.Logger
}

// NewServer builds the server around an already-wired handler set.
func NewServer(cfg config.DashboardConfig, handlers *Handlers, hub *Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/status", handlers.HandleStatus)

	mux.HandleFunc("GET /api/wallets", handlers.HandleListWallets)
	mux.HandleFunc("POST /api/wallets", handlers.HandleAddWallet)
	mux.HandleFunc("GET /api/wallets/{address}", handlers.HandleGetWallet)
	mux.HandleFunc("PATCH /api/wallets/{address}", handlers.HandleUpdateWallet)
	mux.HandleFunc("DELETE /api/wallets/{address}", handlers.HandleRemoveWallet)
	mux.HandleFunc("GET /api/wallets/{address}/trades", handlers.HandleWalletTrades)

	mux.HandleFunc("GET /api/filters", handlers.HandleListFilters)
	mux.HandleFunc("POST /api/filters", handlers.HandleAddFilter)
	mux.HandleFunc("DELETE /api/filters/{id}", handlers.HandleRemoveFilter)

	mux.HandleFunc("GET /api/mappings", handlers.HandleListMappings)
	mux.HandleFunc("POST /api/mappings", handlers.HandleAddMapping)
	mux.HandleFunc("PATCH /api/mappings/{id}", handlers.HandleUpdateMapping)
	mux.HandleFunc("DELETE /api/mappings/{id}", handlers.HandleRemoveMapping)

	mux.HandleFunc("GET /api/orders", handlers.HandleListOrders)
	mux.HandleFunc("POST /api/orders/{id}/cancel", handlers.HandleCancelOrder)
	mux.HandleFunc("GET /api/trades", handlers.HandleListTrades)

	mux.HandleFunc("GET /api/settings", handlers.HandleGetSettings)
	mux.HandleFunc("PATCH /api/settings", handlers.HandleUpdateSettings)
	mux.HandleFunc("POST /api/stop", handlers.HandleActivateStop)
	mux.HandleFunc("DELETE /api/stop", handlers.HandleClearStop)
	mux.HandleFunc("POST /api/live/ack", handlers.HandleAckFirstLive)

	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api_server"),
	}
}

// Events returns the sink the engine hands to pipeline components; every
// event lands on the stream hub.
func (s *Server) Events() pipeline.EventFunc {
	return func(evt pipeline.Event) { s.hub.Broadcast(evt) }
}

// Start runs the hub and serves until Stop is called. Blocks; run it in
// its own goroutine or errgroup task.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.hub.Run(ctx)

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully and stops the hub.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	if s.cancel != nil {
		s.cancel()
	}
	return err
}
