package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes builds the router for the control surface.
func SetupRoutes(h *Handlers, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.StartJob)
			r.Get("/", h.ListJobs)
			r.Get("/{jobID}", h.JobStatus)
			r.Post("/{jobID}/pause", h.PauseJob)
			r.Post("/{jobID}/resume", h.ResumeJob)
			r.Post("/{jobID}/stop", h.StopJob)
		})

		r.Get("/pressure", h.Pressure)
		r.Get("/domains", h.DomainHealth)

		r.Route("/accounting", func(r chi.Router) {
			r.Post("/pull-now", h.PullNow)
			r.Get("/status", h.AccountingStatus)
		})

		r.Route("/config/overrides", func(r chi.Router) {
			r.Get("/", h.ListOverrides)
			r.Put("/", h.SetOverride)
			r.Delete("/{key}", h.ClearOverride)
		})
	})

	return r
}
