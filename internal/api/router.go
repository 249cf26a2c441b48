// Package api implements the REST façade of SPEC_FULL.md §6: a thin chi
// router that calls straight through to scheduler.Scheduler and translates
// its tagged errors into HTTP status codes. No business logic lives here.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdr.dev/slog"

	"github.com/gpuqueue/gpuqueue/internal/config"
	"github.com/gpuqueue/gpuqueue/internal/scheduler"
)

// Server holds the collaborators handlers need.
type Server struct {
	log       slog.Logger
	scheduler *scheduler.Scheduler
	cfg       *config.Config
	validate  *validator.Validate
}

// NewRouter builds the full chi.Router for gpuqueued.
func NewRouter(log slog.Logger, sched *scheduler.Scheduler, cfg *config.Config) http.Handler {
	s := &Server{log: log, scheduler: sched, cfg: cfg, validate: validator.New()}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(cfg.HTTP.CORSAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/gpus", s.handleGPUStatus)

		r.Get("/tasks", s.handleListTasks)
		r.With(httprate.LimitByIP(
			submitRateLimit(cfg),
			cfg.HTTP.SubmitRateWindow,
		)).Post("/tasks", s.handleSubmitTask)

		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/tasks/{id}/logs", s.handleTaskLogs)
		r.Post("/tasks/{id}/cancel", s.handleCancelTask)
	})

	return r
}

func corsOrigins(configured []string) []string {
	if len(configured) == 0 {
		return []string{"*"}
	}
	return configured
}

func submitRateLimit(cfg *config.Config) int {
	if cfg.HTTP.SubmitRateLimit <= 0 {
		return 10
	}
	return int(cfg.HTTP.SubmitRateLimit)
}
