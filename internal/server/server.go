package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/turing-orchestrate/internal/auth"
	"github.com/ashita-ai/turing-orchestrate/internal/config"
	"github.com/ashita-ai/turing-orchestrate/internal/orchestrator"
	"github.com/ashita-ai/turing-orchestrate/internal/ratelimit"
	"github.com/ashita-ai/turing-orchestrate/internal/storage"
)

// Server wraps an http.Server with the orchestrator's handler chain.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig configures a new Server.
type ServerConfig struct {
	DB         *storage.DB
	Dispatcher *orchestrator.Dispatcher
	JWTMgr     *auth.JWTManager
	Logger     *slog.Logger
	Config     config.Config

	// RateLimiter is optional; nil disables rate limiting.
	RateLimiter *ratelimit.MemoryLimiter
}

// New builds a Server with the full route surface and middleware chain.
func New(cfg ServerConfig) *Server {
	handlers := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Dispatcher:          cfg.Dispatcher,
		JWTMgr:              cfg.JWTMgr,
		Logger:              cfg.Logger,
		Version:             cfg.Config.ServiceName,
		MaxRequestBodyBytes: cfg.Config.MaxRequestBodyBytes,
		StartedAt:           time.Now().UTC(),
	})

	mux := http.NewServeMux()

	// Ingress.
	mux.Handle("POST /v1/events", http.HandlerFunc(handlers.handleIngress))

	// Query surface.
	mux.Handle("GET /workflow/{id}", http.HandlerFunc(handlers.handleGetWorkflow))
	mux.Handle("GET /workflows", http.HandlerFunc(handlers.handleListWorkflows))
	mux.Handle("GET /investigator/workflows/{id}/decisions", http.HandlerFunc(handlers.handleDecisionTimeline))
	mux.Handle("GET /investigator/workflows/{id}/decisions/current", http.HandlerFunc(handlers.handleCurrentDecision))
	mux.Handle("GET /investigator/workflows/{id}/verify", http.HandlerFunc(handlers.handleVerifyIntegrity))
	mux.Handle("POST /workflow/{id}/manual-decision", http.HandlerFunc(handlers.handleManualDecision))

	// Auth.
	mux.Handle("POST /auth/token", http.HandlerFunc(handlers.handleAuthToken))
	mux.Handle("POST /auth/scoped-token", http.HandlerFunc(handlers.handleScopedToken))

	// Operational.
	mux.Handle("GET /health", http.HandlerFunc(handlers.handleHealth))
	mux.Handle("GET /config", handlers.handleGetConfig(cfg.Config))

	// Build the middleware chain from the innermost handler outward. Order
	// (outermost first, the order a request actually passes through):
	// requestID -> securityHeaders -> CORS -> tracing -> logging -> baggage
	// -> auth -> recovery -> rateLimit -> mux.
	var h http.Handler = mux
	h = ratelimit.MiddlewareWithRequestID(cfg.RateLimiter, ratelimit.IPKeyFunc, RequestIDFromContext)(h)
	h = recoveryMiddleware(cfg.Logger, h)
	h = authMiddleware(cfg.JWTMgr, cfg.DB, h)
	h = baggageMiddleware(h)
	h = loggingMiddleware(cfg.Logger, h)
	h = tracingMiddleware(h)
	h = corsMiddleware(cfg.Config.CORSAllowedOrigins, h)
	h = securityHeadersMiddleware(h)
	h = requestIDMiddleware(h)

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Config.Port),
		Handler:      h,
		ReadTimeout:  cfg.Config.ReadTimeout,
		WriteTimeout: cfg.Config.WriteTimeout,
		IdleTimeout:  2 * cfg.Config.ReadTimeout,
	}

	return &Server{
		httpServer: httpServer,
		handler:    h,
		handlers:   handlers,
		logger:     cfg.Logger,
	}
}

// Handler returns the fully-wrapped HTTP handler, for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers, for use in tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests. Blocks until the server stops or
// fails; returns http.ErrServerClosed on a clean Shutdown.
func (s *Server) Start() error {
	s.logger.Info("server: listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting for in-flight requests to
// finish or ctx to expire, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
