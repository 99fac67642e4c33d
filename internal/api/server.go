// Package api serves the local HTTP surface: the position/stats/settings
// endpoints, the CSV export, and the SSE live stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"papertrader/internal/broker"
	"papertrader/internal/engine"
)

// PriceCache is the read-only slice of the feed the API needs: cached mark
// prices for stream snapshots and the connection flag for /health.
type PriceCache interface {
	LastPrice(symbol string) (float64, bool)
	IsConnected() bool
}

// Server is the HTTP front end.
type Server struct {
	httpServer *http.Server
	broker     *broker.Broker
	hub        *engine.Hub
	prices     PriceCache
	heartbeat  time.Duration
	logger     *slog.Logger
}

// NewServer builds the server on the given port. heartbeat is the SSE
// keep-alive interval (30s in production, shorter in tests).
func NewServer(port int, b *broker.Broker, hub *engine.Hub, prices PriceCache, heartbeat time.Duration, logger *slog.Logger) *Server {
	s := &Server{
		broker:    b,
		hub:       hub,
		prices:    prices,
		heartbeat: heartbeat,
		logger:    logger.With("component", "api"),
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /positions", s.handleCreatePosition)
	mux.HandleFunc("GET /positions", s.handleListPositions)
	mux.HandleFunc("GET /positions/{id}", s.handleGetPosition)
	mux.HandleFunc("PATCH /positions/{id}", s.handleUpdateSLTP)
	mux.HandleFunc("POST /positions/{id}/close", s.handleClosePosition)
	mux.HandleFunc("DELETE /positions/{id}", s.handleDeletePosition)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("GET /export", s.handleExport)
	mux.HandleFunc("GET /settings", s.handleGetSettings)
	mux.HandleFunc("POST /settings", s.handleUpdateSettings)
	mux.HandleFunc("GET /health", s.handleHealth)

	return mux
}

// Start serves until Shutdown. Returns nil on graceful close.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
