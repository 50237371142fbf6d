package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spherical-ai/docsearch/cmd/docsearch-api/handlers"
	"github.com/spherical-ai/docsearch/cmd/docsearch-api/middleware"
	"github.com/spherical-ai/docsearch/internal/app"
)

// RouterConfig holds the HTTP-level settings of the router.
type RouterConfig struct {
	RequestTimeout time.Duration
	AllowedOrigins []string
	Auth           middleware.AuthConfig
	// RateLimit is nil when rate limiting is disabled.
	RateLimit *middleware.RateLimiter
}

// NewRouterConfig derives router settings from the application config.
func NewRouterConfig(a *app.App) RouterConfig {
	cfg := a.Config
	rc := RouterConfig{
		RequestTimeout: cfg.Server.WriteTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Auth: middleware.AuthConfig{
			APIKeys:          cfg.Server.APIKeys,
			AllowPublicPaths: []string{"/api/health"},
		},
	}
	if cfg.RateLimit.Enabled {
		rc.RateLimit = middleware.NewRateLimiter(middleware.RateLimitConfig{
			Requests: cfg.RateLimit.Requests,
			Window:   cfg.RateLimit.Window,
			Burst:    cfg.RateLimit.Burst,
		})
	}
	return rc
}

// NewRouter creates the API router with all routes configured.
func NewRouter(a *app.App, cfg RouterConfig) http.Handler {
	logger := a.Logger
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	documentHandler := handlers.NewDocumentHandler(logger, a.Intake, a.Config.Pipeline.MaxUploadBytes)
	pageHandler := handlers.NewPageHandler(logger, a.Intake)
	jobHandler := handlers.NewJobHandler(logger, a.Intake, a.Broker)
	searchHandler := handlers.NewSearchHandler(logger, a.Search)
	healthHandler := handlers.NewHealthHandler(a, a.Queue)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Auth))
		if cfg.RateLimit != nil {
			r.Use(cfg.RateLimit.Middleware)
		}

		r.Get("/health", healthHandler.Health)

		// the progress stream outlives the request timeout
		r.Get("/jobs/{jobId}/events", jobHandler.Events)

		r.Group(func(r chi.Router) {
			if cfg.RequestTimeout > 0 {
				r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
			}

			r.Post("/upload", documentHandler.Upload)
			r.Get("/jobs/{jobId}", jobHandler.Get)
			r.Get("/search", searchHandler.Search)

			r.Route("/documents", func(r chi.Router) {
				r.Get("/", documentHandler.List)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", documentHandler.Get)
					r.Delete("/", documentHandler.Delete)
					r.Get("/pages", documentHandler.Pages)
					r.Get("/jobs", documentHandler.Jobs)
					r.Post("/reprocess", documentHandler.Reprocess)
				})
			})

			r.Route("/pages/{id}", func(r chi.Router) {
				r.Get("/", pageHandler.Get)
				r.Put("/correct", pageHandler.Correct)
				r.Post("/reprocess", pageHandler.Reprocess)
			})
		})
	})

	return r
}
