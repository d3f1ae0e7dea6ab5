package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	Scheduler Scheduler
	Postgres  Pinger
	Redis     *redis.Client
	// Live serves the websocket feed of bookings, typically *notify.Hub. It
	// runs behind RequireTenant and reads the tenant from the context.
	Live      http.Handler
	Gatherer  prometheus.Gatherer
	JWTSecret string
	Logger    zerolog.Logger
	Env       string
	Version   string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	if cfg.Live != nil {
		r.With(RequireTenant).Handle("/ws", cfg.Live)
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(RequireTenant).Get("/services/{slug}/availability", availabilityHandler(cfg.Scheduler))
		r.With(RequireTenant).Post("/bookings/guest", createGuestBookingHandler(cfg.Scheduler))

		r.Group(func(r chi.Router) {
			r.Use(PatientAuth(cfg.JWTSecret), RequireTenant)
			r.Post("/bookings", createBookingHandler(cfg.Scheduler))
			r.Get("/appointments/{id}", getAppointmentHandler(cfg.Scheduler))
		})
	})

	return r
}
