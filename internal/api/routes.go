package api

import (
	"fmt"
	"net/http"
	"processagent/internal/dispatcher"
	"processagent/internal/health"
	"processagent/internal/observability"
	"processagent/internal/registry"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Registry      *registry.Registry
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	Dispatcher    dispatcher.Dispatcher
	APIKey        string
	UpdateTimeout time.Duration
}

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) (http.Handler, error) {
	doc, err := LoadOpenAPI()
	if err != nil {
		return nil, err
	}
	validate, err := ValidationMiddleware(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi validation: %w", err)
	}

	handler := NewHandler(cfg.Registry, cfg.HealthChecker, cfg.Dispatcher, cfg.UpdateTimeout)

	r := chi.NewRouter()
	// Outermost first.
	r.Use(RecoveryMiddleware())
	r.Use(middleware.RequestID)
	r.Use(LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(CORSMiddleware())
	r.Use(ContentTypeMiddleware())

	// Probes - no auth required
	r.Get("/livez", handler.Livez)
	r.Get("/readyz", handler.Readyz)
	r.Get("/openapi.yaml", handler.OpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIKey))
		r.Get("/stats", handler.Stats)

		r.Route("/v1", func(r chi.Router) {
			r.Use(validate)
			r.Get("/health", handler.Health)
			r.Get("/jobs", handler.GetJobs)
			r.Put("/jobs", handler.PutJobs)
			r.Get("/status", handler.Status)
			r.Post("/shutdown", handler.Shutdown)
			r.Get("/agents/{agentId}/stats", handler.AgentStats)
			r.Get("/webhooks/stats", handler.WebhookStats)
		})
	})

	return r, nil
}
