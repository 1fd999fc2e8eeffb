// Package api exposes the evaluation core over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/apexrules/apex/internal/domain"
	"github.com/apexrules/apex/internal/engine"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, bus domain.EventBus, eng *engine.Engine, version string) *Server {
	handler := NewHandler(repo, bus, eng, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Evaluation entrypoints
	router.Post("/evaluate", handler.Evaluate)
	router.Post("/enrich", handler.Enrich)

	// Evaluation retrieval
	router.Get("/evaluations/{id}", handler.GetEvaluation)

	// Rule management
	router.Get("/rules", handler.ListRules)
	router.Get("/rules/{id}", handler.GetRule)
	router.Post("/rules", handler.CreateRule)
	router.Delete("/rules/{id}", handler.DeleteRule)
	router.Post("/rules/reload", handler.ReloadRules)

	// Rule group management
	router.Get("/groups", handler.ListGroups)
	router.Get("/groups/{id}", handler.GetGroup)
	router.Post("/groups", handler.CreateGroup)
	router.Delete("/groups/{id}", handler.DeleteGroup)

	// Enrichment management
	router.Get("/enrichments", handler.ListEnrichments)
	router.Get("/enrichments/{id}", handler.GetEnrichment)
	router.Post("/enrichments", handler.CreateEnrichment)
	router.Delete("/enrichments/{id}", handler.DeleteEnrichment)

	// Dataset management
	router.Get("/datasets", handler.ListDatasets)
	router.Get("/datasets/{id}", handler.GetDataset)
	router.Post("/datasets", handler.CreateDataset)

	// Performance snapshots
	router.Get("/metrics", handler.ListMetrics)
	router.Get("/metrics/{id}", handler.GetMetrics)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
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
