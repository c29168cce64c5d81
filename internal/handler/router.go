package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"libhub/internal/metrics"
)

// RouterConfig: всё, из чего собирается HTTP API.
type RouterConfig struct {
	Publications   *PublicationHandler
	Quota          *StorageQuotaHandler
	Health         *HealthHandler
	Authenticate   func(http.Handler) http.Handler
	AllowedOrigins []string
	RequestTimeout time.Duration
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.MetricsMiddleware())
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Location", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health/live", cfg.Health.HealthLive)
	r.Get("/health/ready", cfg.Health.HealthReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(cfg.Authenticate)

		r.Route("/publications", func(r chi.Router) {
			r.Post("/", cfg.Publications.Upload)
			r.Get("/", cfg.Publications.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", cfg.Publications.Get)
				r.Delete("/", cfg.Publications.Delete)
				r.Get("/download", cfg.Publications.Download)
				r.Get("/thumbnail", cfg.Publications.Thumbnail)
			})
		})

		r.Get("/jobs/{id}", cfg.Publications.JobStatus)

		r.Route("/quota", func(r chi.Router) {
			r.Get("/", cfg.Quota.GetQuotaInfo)
			r.Put("/limit", cfg.Quota.UpdateQuotaLimit)
		})
	})

	return r
}
