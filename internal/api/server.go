// Package api serves the case pipeline over HTTP: synchronous and streamed
// runs, the case catalog, the active policy, health and metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. metrics may be nil, in which case
// /metrics is not mounted.
func NewServer(cfg domain.ServerConfig, runner Runner, repo domain.Repository, cache domain.Cache, metrics http.Handler, version string) *Server {
	handler := NewHandler(runner, repo, cache, version, cfg.CaseListMax)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	// text/event-stream is not in the compressible set, so streams pass through.
	router.Use(middleware.Compress(5))

	router.Get("/", handler.Index)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if metrics != nil {
		router.Method(http.MethodGet, "/metrics", metrics)
	}

	router.Route("/api", func(r chi.Router) {
		r.Get("/cases", handler.ListCases)
		r.Get("/cases/{id}", handler.GetCase)
		r.Post("/run", handler.Run)
		r.Post("/run/stream", handler.RunStream)
		r.Get("/policy", handler.Policy)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
