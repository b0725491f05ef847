package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/cmdq/internal/auth"
	"github.com/mattjoyce/cmdq/internal/command"
	"github.com/mattjoyce/cmdq/internal/dispatch"
	"github.com/mattjoyce/cmdq/internal/events"
	"github.com/mattjoyce/cmdq/internal/journal"
)

// Dispatcher is the subset of dispatch.Dispatcher the API drives.
type Dispatcher interface {
	Submit(cmd command.Command) (string, error)
	Undo(ctx context.Context) (*command.Entry, error)
	History() []command.Entry
	State() dispatch.State
	Stats() dispatch.Stats
}

// CommandCatalog builds commands by name.
type CommandCatalog interface {
	Build(name string, args json.RawMessage) (command.Command, error)
	Names() []string
}

// JournalReader lists journal rows, newest first.
type JournalReader interface {
	List(ctx context.Context, limit int) ([]journal.Record, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the admin bearer token (all scopes).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	dispatcher Dispatcher
	catalog    CommandCatalog
	journal    JournalReader
	events     *events.Hub
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time

	// closing ends open event streams when the server shuts down.
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a new API server instance. journal and gatherer may be nil,
// in which case /journal and /metrics answer 404.
func New(config Config, d Dispatcher, catalog CommandCatalog, hub *events.Hub, jr JournalReader, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:     config,
		dispatcher: d,
		catalog:    catalog,
		journal:    jr,
		events:     hub,
		gatherer:   gatherer,
		logger:     logger,
		startedAt:  time.Now(),
		closing:    make(chan struct{}),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	s.server.RegisterOnShutdown(func() {
		s.closeOnce.Do(func() { close(s.closing) })
	})

	s.logger.Info("API server starting", "listen", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
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
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeCommandsRO)).Get("/commands", s.handleListCommands)
		r.With(s.requireScopes(auth.ScopeCommandsRW)).Post("/commands/{name}", s.handleSubmit)
		r.With(s.requireScopes(auth.ScopeCommandsRW)).Post("/undo", s.handleUndo)
		r.With(s.requireScopes(auth.ScopeHistoryRO)).Get("/history", s.handleHistory)
		r.With(s.requireScopes(auth.ScopeJournalRO)).Get("/journal", s.handleJournal)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
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
