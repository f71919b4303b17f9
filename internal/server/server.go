// Package server exposes the pipeline triggers and dashboard feeds over
// HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/substack-intel/internal/config"
	"github.com/sells-group/substack-intel/internal/model"
	"github.com/sells-group/substack-intel/internal/pipeline"
	"github.com/sells-group/substack-intel/internal/session"
	"github.com/sells-group/substack-intel/internal/store"
)

// Pipeline is the orchestrator API the handlers drive.
type Pipeline interface {
	Start(ctx context.Context, req pipeline.RunRequest) (string, <-chan pipeline.RunResult, error)
	RunAll(ctx context.Context, trigger model.Trigger) ([]*pipeline.RunSummary, error)
	Status(ctx context.Context, userID string) (model.Progress, error)
	Unlock(ctx context.Context, userID string) error
	ResetFailed(ctx context.Context, userID string) (int, error)
}

// EventSource streams progress events for a user.
type EventSource interface {
	Subscribe(userID string) (<-chan model.Progress, func())
}

// CompanyReader serves the read-only dashboard feeds.
type CompanyReader interface {
	GetCompany(ctx context.Context, id int64) (*model.Company, error)
	ListCompanies(ctx context.Context, filter store.CompanyFilter) ([]model.Company, error)
	ListMentions(ctx context.Context, companyID int64) ([]model.Mention, error)
}

// Deps are the collaborators of a Server.
type Deps struct {
	Pipeline   Pipeline
	Events     EventSource
	Companies  CompanyReader
	Sessions   session.Provider
	CronSecret string
	// Health reports backend readiness for /health. Optional.
	Health func(ctx context.Context) error
}

// Server is the HTTP trigger surface. Runs it starts are bound to the
// server's base context and are waited for on Shutdown.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	cfg        config.ServerConfig
	deps       Deps

	baseCtx context.Context
	runs    sync.WaitGroup

	// keepAlive is the SSE comment interval.
	keepAlive time.Duration
}

// New creates a Server. Background runs are cancelled when ctx ends.
func New(ctx context.Context, cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		deps:      deps,
		baseCtx:   ctx,
		keepAlive: 15 * time.Second,
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/cron/sync", s.handleCronSync)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession(session.PermRun))
			r.Post("/pipeline/sync", s.handleSync)
			r.Get("/pipeline/status", s.handleStatus)
			r.Get("/pipeline/events", s.handleEvents)
			r.Get("/companies", s.handleListCompanies)
			r.Get("/companies/{id}/mentions", s.handleListMentions)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession(session.PermAdmin))
			r.Post("/pipeline/unlock", s.handleUnlock)
			r.Post("/emails/reset-failed", s.handleResetFailed)
		})
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	zap.L().Info("server: listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight requests and
// background runs until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	zap.L().Info("server: shutting down")
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		zap.L().Warn("server: background runs still active at shutdown deadline")
	}
	return eris.Wrap(err, "server: shutdown")
}

// Wait blocks until every background run started by the server has ended.
func (s *Server) Wait() {
	s.runs.Wait()
}

// background runs fn on the server's base context and tracks it for
// Shutdown.
func (s *Server) background(fn func(ctx context.Context)) {
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		fn(s.baseCtx)
	}()
}
