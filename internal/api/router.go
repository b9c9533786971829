package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/loomworks/loom/internal/api/handlers"
	"github.com/loomworks/loom/internal/api/middleware"
	"github.com/loomworks/loom/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Raw outcome execution
		r.Post("/outcomes/execute", h.ExecuteOutcome)

		// Protocol descriptors (the catalog)
		r.Route("/descriptors", func(r chi.Router) {
			r.Get("/", h.ListDescriptors)
			r.Post("/", h.RegisterDescriptor)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", h.GetDescriptor)
				r.Post("/execute", h.ExecuteDescriptor)
				r.Post("/quote", h.QuoteDescriptor)
			})
		})

		// Connectors
		r.Route("/connectors", func(r chi.Router) {
			r.Get("/", h.ListConnectors)
			r.Get("/health", h.ConnectorHealth)
		})

		// Execution pipeline
		r.Route("/executions", func(r chi.Router) {
			r.Get("/", h.ListExecutions)
			r.Post("/", h.StartExecution)
			r.Route("/{executionId}", func(r chi.Router) {
				r.Get("/", h.GetExecution)
				r.Post("/approve", h.ApproveExecution)
				r.Delete("/", h.CancelExecution)
			})
		})

		// Aggregate counters
		r.Get("/stats", h.GetStats)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "loom-fabric",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "loom-fabric",
		})
	}
}
