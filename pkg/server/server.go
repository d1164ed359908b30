// Package server exposes the pipeline over HTTP.
//
// Routes:
//   - POST   /v1/pipeline/runs    start a run (supersedes the current one)
//   - DELETE /v1/pipeline/run     abandon the current run
//   - GET    /v1/pipeline/status  step progress of the latest run
//   - POST   /v1/editor/rewrite   rewrite one lyric line
//   - GET    /v1/messages[/{id}]  results delivered by runs
//   - GET    /v1/runs[/{id}]      run journal
//   - GET    /v1/limits           rate limiter state
//   - GET    /health, /metrics
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/tempo/pkg/config"
	"github.com/kadirpekel/tempo/pkg/journal"
	"github.com/kadirpekel/tempo/pkg/observability"
	"github.com/kadirpekel/tempo/pkg/pipeline"
	"github.com/kadirpekel/tempo/pkg/ratelimit"
)

// Server is the tempo HTTP server.
type Server struct {
	cfg          config.ServerConfig
	orchestrator *pipeline.Orchestrator
	messages     *MessageStore
	journal      journal.Store
	limiters     *ratelimit.Registry
	recorder     observability.Recorder
	metrics      http.Handler
	metricsPath  string

	mu      sync.Mutex
	server  *http.Server
	baseCtx context.Context
	runs    sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithJournal exposes the run journal.
func WithJournal(store journal.Store) Option {
	return func(s *Server) {
		s.journal = store
	}
}

// WithLimiters exposes rate limiter state.
func WithLimiters(reg *ratelimit.Registry) Option {
	return func(s *Server) {
		s.limiters = reg
	}
}

// WithObservability mounts the metrics handler and records HTTP metrics.
func WithObservability(m *observability.Manager) Option {
	return func(s *Server) {
		if m == nil {
			return
		}
		s.recorder = m.Recorder()
		s.metrics = m.MetricsHandler()
		s.metricsPath = m.MetricsPath()
	}
}

// New creates a server. messages must be the ResultSink the orchestrator
// was built with.
func New(cfg config.ServerConfig, orch *pipeline.Orchestrator, messages *MessageStore, opts ...Option) *Server {
	cfg.SetDefaults()
	s := &Server{
		cfg:          cfg,
		orchestrator: orch,
		messages:     messages,
		recorder:     observability.Noop{},
		metrics:      observability.Noop{}.Handler(),
		metricsPath:  observability.DefaultMetricsPath,
		baseCtx:      context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware(s.recorder))
	r.Use(corsMiddleware(s.cfg.CORSOrigins))

	r.Get("/health", s.handleHealth)
	r.Handle(s.metricsPath, s.metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/pipeline", func(r chi.Router) {
			r.Post("/runs", s.handleStartRun)
			r.Delete("/run", s.handleCancelRun)
			r.Get("/status", s.handleStatus)
		})
		r.Post("/editor/rewrite", s.handleRewrite)
		r.Get("/messages", s.handleListMessages)
		r.Get("/messages/{id}", s.handleGetMessage)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/limits", s.handleLimits)
	})
	return r
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	srv := s.server
	s.mu.Unlock()

	slog.Info("HTTP server starting", "address", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.WithoutCancel(ctx))
	}
}

// Shutdown stops accepting requests and waits for in-flight ones and
// background runs.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	var err error
	if srv != nil {
		slog.Info("HTTP server shutting down")
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			err = fmt.Errorf("HTTP shutdown error: %w", serr)
		}
	}

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("Background runs still in progress at shutdown")
	}
	return err
}

func (s *Server) background() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}
