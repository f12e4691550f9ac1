// Package api exposes the transcription gateway over HTTP and websockets.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/observability"
)

// RouterConfig wires the handlers behind NewRouter.
type RouterConfig struct {
	Stream *StreamHandler
	// Provider and Region are reported by the transcription health route.
	Provider string
	Region   string
	// ReadinessChecks back GET /ready.
	ReadinessChecks []observability.DependencyCheck
	MetricsEnabled  bool
	Logger          zerolog.Logger
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/health", observability.HealthCheckHandler("transcription-gateway"))
	r.Get("/ready", observability.ReadinessHandler("transcription-gateway", cfg.ReadinessChecks...))
	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	th := &transcriptionHandlers{
		provider: cfg.Provider,
		region:   cfg.Region,
		validate: validator.New(),
		logger:   cfg.Logger,
	}

	// API routes
	r.Route("/api/transcription", func(r chi.Router) {
		if cfg.Stream != nil {
			r.Get("/stream", cfg.Stream.ServeHTTP)
		}
		r.Get("/health", th.health)
		r.Post("/confirm", th.confirm)
		r.Get("/supported-languages", th.supportedLanguages)
	})

	return r
}
