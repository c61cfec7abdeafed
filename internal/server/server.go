// Package server provides the HTTP API of the consolidator.
package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/config"
	"github.com/limiquantix/consolidator/internal/domain"
	"github.com/limiquantix/consolidator/internal/events"
	"github.com/limiquantix/consolidator/internal/orchestrator"
	"github.com/limiquantix/consolidator/internal/server/middleware"
	"github.com/limiquantix/consolidator/internal/services/auth"
)

// RequestSubmitter accepts migration requests from remote local managers.
type RequestSubmitter interface {
	Submit(ctx context.Context, req domain.MigrationRequest) error
}

// SampleIngester stores pushed utilization samples.
type SampleIngester interface {
	Ingest(samples []domain.Sample) int
}

// StateReader exposes the current cluster state.
type StateReader interface {
	Snapshot() *domain.ClusterState
}

// PlanLister lists plans being executed.
type PlanLister interface {
	InFlight() []orchestrator.PlanStatus
}

// AlertLister lists recent alerts.
type AlertLister interface {
	ListAlerts(ctx context.Context, limit int) ([]*domain.Alert, error)
}

// MigrationLister lists finished migrations.
type MigrationLister interface {
	ListMigrations(ctx context.Context, limit int) ([]*domain.MigrationRecord, error)
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Server represents the HTTP server.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	upgrader   websocket.Upgrader

	authService *auth.Service
	authMW      *middleware.Auth

	requests   RequestSubmitter
	samples    SampleIngester
	state      StateReader
	plans      PlanLister
	alerts     AlertLister
	migrations MigrationLister
	bus        *events.Bus
	gatherer   prometheus.Gatherer

	healthNames []string
	health      map[string]HealthChecker
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithAuth enables the token endpoints.
func WithAuth(svc *auth.Service) ServerOption {
	return func(s *Server) {
		s.authService = svc
	}
}

// WithRequests enables POST /api/v1/requests.
func WithRequests(r RequestSubmitter) ServerOption {
	return func(s *Server) { s.requests = r }
}

// WithSamples enables POST /api/v1/samples.
func WithSamples(i SampleIngester) ServerOption {
	return func(s *Server) { s.samples = i }
}

// WithState enables GET /api/v1/state.
func WithState(r StateReader) ServerOption {
	return func(s *Server) { s.state = r }
}

// WithPlans enables GET /api/v1/plans.
func WithPlans(l PlanLister) ServerOption {
	return func(s *Server) { s.plans = l }
}

// WithAlerts enables GET /api/v1/alerts.
func WithAlerts(l AlertLister) ServerOption {
	return func(s *Server) { s.alerts = l }
}

// WithMigrations enables GET /api/v1/migrations.
func WithMigrations(l MigrationLister) ServerOption {
	return func(s *Server) { s.migrations = l }
}

// WithEvents enables the /api/v1/events WebSocket stream.
func WithEvents(bus *events.Bus) ServerOption {
	return func(s *Server) { s.bus = bus }
}

// WithMetrics serves the gatherer's metrics on /metrics.
func WithMetrics(g prometheus.Gatherer) ServerOption {
	return func(s *Server) { s.gatherer = g }
}

// WithHealthCheck adds a dependency to /readyz.
func WithHealthCheck(name string, c HealthChecker) ServerOption {
	return func(s *Server) {
		s.healthNames = append(s.healthNames, name)
		s.health[name] = c
	}
}

// New creates a new server instance. verifier checks bearer tokens when
// cfg.Auth.Enabled is set.
func New(cfg *config.Config, verifier middleware.TokenVerifier, logger *zap.Logger, opts ...ServerOption) *Server {
	s := &Server{
		config: cfg,
		logger: logger.With(zap.String("component", "server")),
		mux:    http.NewServeMux(),
		health: make(map[string]HealthChecker),
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin(cfg.CORS.AllowedOrigins),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.authMW = middleware.NewAuth(verifier, cfg.Auth.Enabled, logger)

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.setupMiddleware(s.mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.healthHandler)
	s.mux.HandleFunc("GET /readyz", s.readyHandler)
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	admin := func(h http.HandlerFunc) http.Handler { return s.authMW.Require(h, auth.RoleAdmin) }
	agent := func(h http.HandlerFunc) http.Handler { return s.authMW.Require(h, auth.RoleAdmin, auth.RoleAgent) }

	if s.authService != nil {
		s.mux.HandleFunc("POST /api/v1/token", s.handleLogin)
		s.mux.Handle("POST /api/v1/agent-tokens", admin(s.handleIssueAgentToken))
	}
	if s.samples != nil {
		s.mux.Handle("POST /api/v1/samples", agent(s.handleSamples))
	}
	if s.requests != nil {
		s.mux.Handle("POST /api/v1/requests", agent(s.handleRequest))
	}
	if s.state != nil {
		s.mux.Handle("GET /api/v1/state", admin(s.handleState))
	}
	if s.plans != nil {
		s.mux.Handle("GET /api/v1/plans", admin(s.handlePlans))
	}
	if s.alerts != nil {
		s.mux.Handle("GET /api/v1/alerts", admin(s.handleAlerts))
	}
	if s.migrations != nil {
		s.mux.Handle("GET /api/v1/migrations", admin(s.handleMigrations))
	}
	if s.bus != nil {
		s.mux.Handle("GET /api/v1/events", admin(s.handleEvents))
	}
}

func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400,
	})

	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	return handler
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			return
		}
		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack supports the WebSocket upgrade of /api/v1/events.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("Starting server", zap.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.logger.Info("Shutting down server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}
