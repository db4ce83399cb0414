// Package api is the operations HTTP surface of the bridge: liveness,
// status snapshots, manual dispatch for smoke testing, an SSE event
// stream, and Prometheus metrics. The production consumer imports the
// library packages directly; this server exists for operators.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/bascule/internal/auth"
	"github.com/mattjoyce/bascule/internal/dispatch"
	"github.com/mattjoyce/bascule/internal/events"
	"github.com/mattjoyce/bascule/internal/guard"
	"github.com/mattjoyce/bascule/internal/journal"
	"github.com/mattjoyce/bascule/internal/pool"
	"github.com/mattjoyce/bascule/internal/script"
)

// ScriptDispatcher is the dispatch surface the server depends on.
type ScriptDispatcher interface {
	Dispatch(ctx context.Context, req script.Request) (*dispatch.Output, error)
}

// JournalReader is the journal surface used by /status.
type JournalReader interface {
	Stats(ctx context.Context) (journal.Stats, error)
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// DispatchTimeout bounds a manual POST /dispatch end to end.
	DispatchTimeout time.Duration
}

// Server is the operations HTTP server.
type Server struct {
	config     Config
	dispatcher ScriptDispatcher
	registry   *script.Registry
	pool       *pool.Pool
	breaker    *dispatch.Breaker
	boundary   *guard.Guard
	journal    JournalReader
	hub        *events.Hub
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates an API server. journal may be nil when the journal is
// disabled; everything else is required.
func New(config Config, d ScriptDispatcher, reg *script.Registry, pl *pool.Pool, br *dispatch.Breaker, grd *guard.Guard, jr JournalReader, hub *events.Hub, logger *slog.Logger) *Server {
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = 5 * time.Minute
	}
	return &Server{
		config:     config,
		dispatcher: d,
		registry:   reg,
		pool:       pl,
		breaker:    br,
		boundary:   grd,
		journal:    jr,
		hub:        hub,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Start starts the HTTP server (blocking until ctx is done).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // SSE streams and slow manual dispatches
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes("status:ro", "*")).Get("/status", s.handleStatus)
		r.With(s.requireScopes("status:ro", "*")).Get("/templates", s.handleTemplates)
		r.With(s.requireScopes("status:ro", "*")).Get("/openapi.json", s.handleOpenAPI)
		r.With(s.requireScopes("dispatch:rw", "*")).Post("/dispatch", s.handleDispatch)
		r.With(s.requireScopes("events:ro", "*")).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
