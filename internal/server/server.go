// Package server exposes the engines over a small JSON control API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/server/handler"
	"github.com/alanyoungcy/perpbot/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
	RateLimit   int    // requests per RateWindow per client, zero disables
	RateWindow  time.Duration
}

// Handlers groups the endpoint implementations. Bars, Audit, Events and
// Metrics are optional.
type Handlers struct {
	Health  *handler.HealthHandler
	Engines *handler.EngineHandler
	Bars    *handler.BarsHandler
	Audit   *handler.AuditHandler
	Events  *handler.EventsHandler
	Metrics http.Handler
}

// Server is the HTTP control API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and wraps them in CORS, logging, rate limit and
// auth middleware, outermost first. limiter may be nil.
func NewServer(cfg Config, h Handlers, limiter domain.RateLimiter, obs middleware.RequestObserver, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      newHandler(cfg, h, limiter, obs, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

func newHandler(cfg Config, h Handlers, limiter domain.RateLimiter, obs middleware.RequestObserver, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/strategies", h.Engines.ListStrategies)
	mux.HandleFunc("GET /api/position", h.Engines.GetPosition)
	mux.HandleFunc("GET /api/result", h.Engines.GetResult)
	mux.HandleFunc("GET /api/history", h.Engines.GetHistory)
	mux.HandleFunc("POST /api/positions/open", h.Engines.OpenPosition)
	mux.HandleFunc("POST /api/positions/close", h.Engines.ClosePosition)
	if h.Bars != nil {
		mux.HandleFunc("GET /api/bars", h.Bars.GetBars)
	}
	if h.Audit != nil {
		mux.HandleFunc("GET /api/audit", h.Audit.ListAudit)
	}
	if h.Events != nil {
		mux.HandleFunc("GET /api/events", h.Events.ListEvents)
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}

	var handler http.Handler = mux
	handler = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(handler)
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		handler = middleware.RateLimit(limiter, cfg.RateLimit, window, logger)(handler)
	}
	handler = middleware.Logging(logger, obs)(handler)
	handler = middleware.CORS(cfg.CORSOrigins)(handler)
	return handler
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
