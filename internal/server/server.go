// Package server exposes the ops HTTP API: health, metrics, positions,
// trade history with chart attachments, journal archives and the live
// lifecycle event feed.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/tradingbuddy/internal/server/handler"
	"github.com/alanyoungcy/tradingbuddy/internal/server/middleware"
	"github.com/alanyoungcy/tradingbuddy/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string  // empty disables authentication
	RateLimit   float64 // requests per second per client; zero disables
}

// Handlers aggregates the route handlers. Everything but Health,
// Positions and Trades is optional; routes of a nil handler are omitted.
type Handlers struct {
	Health     *handler.HealthHandler
	Positions  *handler.PositionHandler
	Trades     *handler.TradeHandler
	Accounts   *handler.AccountHandler
	Operations *handler.OperationsHandler
	Archive    *handler.ArchiveHandler
	Events     *handler.EventHandler
	Hub        *ws.Hub
}

// Server is the ops HTTP + WebSocket server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes and wraps them in the middleware chain.
func NewServer(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           Routes(cfg, handlers, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// Routes builds the complete handler tree.
func Routes(cfg Config, handlers Handlers, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/accounts/{id}/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/accounts/{id}/trades", handlers.Trades.ListTrades)
	mux.HandleFunc("POST /api/trades/{id}/chart", handlers.Trades.UploadChart)
	mux.HandleFunc("GET /api/trades/{id}/chart", handlers.Trades.GetChart)

	if handlers.Accounts != nil {
		mux.HandleFunc("GET /api/accounts", handlers.Accounts.List)
		mux.HandleFunc("POST /api/accounts", handlers.Accounts.Create)
		mux.HandleFunc("PUT /api/accounts/{id}/credentials", handlers.Accounts.UpdateCredentials)
	}
	if ops := handlers.Operations; ops != nil {
		mux.HandleFunc("POST /api/accounts/{id}/positions", ops.Open)
		mux.HandleFunc("POST /api/accounts/{id}/positions/preview", ops.Preview)
		mux.HandleFunc("DELETE /api/accounts/{id}/positions/{instrument}", ops.Cancel)
		mux.HandleFunc("POST /api/accounts/{id}/positions/{instrument}/close", ops.Close)
		mux.HandleFunc("PUT /api/accounts/{id}/positions/{instrument}/cancel-levels", ops.UpdateCancelLevels)
	}
	if handlers.Archive != nil {
		mux.HandleFunc("POST /api/accounts/{id}/archive", handlers.Archive.Archive)
	}
	if handlers.Events != nil {
		mux.HandleFunc("GET /api/events", handlers.Events.Recent)
	}
	if handlers.Hub != nil {
		mux.HandleFunc("GET /ws/events", handlers.Hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	if cfg.RateLimit > 0 {
		h = middleware.RateLimit(middleware.NewClientLimiter(cfg.RateLimit, int(cfg.RateLimit)*2))(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Serve accepts connections on l until the server is shut down.
func (s *Server) Serve(l net.Listener) error {
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
