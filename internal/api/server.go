// Package api wires the engine's thin HTTP surface: ingest, status, and
// search, behind JWT tenant identity.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/docket-ai/docket/internal/api/handlers"
	"github.com/docket-ai/docket/internal/api/middlewares"
	"github.com/docket-ai/docket/internal/config"
)

// Server wraps the HTTP server and its routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds the router. All /api routes require a JWT carrying the
// tenant claim; /healthz is open for probes.
func NewServer(cfg *config.Config, docHandler *handlers.DocumentHandler, searchHandler *handlers.SearchHandler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(middlewares.JWTMiddleware(cfg.JWTSecret))
		api.Post("/documents/ingest", docHandler.Ingest)
		api.Get("/documents/{id}/status", docHandler.Status)
		api.Post("/search", searchHandler.Search)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:    ":" + cfg.Port,
			Handler: r,
		},
		logger: logger,
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}
