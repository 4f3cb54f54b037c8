package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
)

// RouterConfig wires the API surface. Optional parts are disabled when nil.
type RouterConfig struct {
	Service   string
	Doses     *DoseHandler
	Admin     *AdminHandler
	Health    *HealthHandler
	Verifier  *middleware.Verifier
	AdminKeys map[string]string

	// Sweeper runs the missed-dose check for patient requests.
	Sweeper middleware.PatientSweeper
	// Backstop is kicked on every API request.
	Backstop middleware.Kicker
	// WebSocket serves /ws.
	WebSocket http.Handler

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// NewRouter assembles the chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger, cfg.Metrics))
	r.Use(middleware.Tracing(cfg.Service))

	if cfg.Health != nil {
		r.Get("/health", cfg.Health.Health)
		r.Get("/ready", cfg.Health.Ready)
	}
	r.Handle("/metrics", metrics.Handler())

	if cfg.WebSocket != nil {
		r.Handle("/ws", cfg.WebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Backstop != nil {
			r.Use(middleware.ReminderBackstop(cfg.Backstop))
		}

		if cfg.Doses != nil {
			r.Group(func(r chi.Router) {
				r.Use(middleware.Identity(cfg.Verifier))
				if cfg.Sweeper != nil {
					r.Use(middleware.MissedDoseCheck(cfg.Sweeper, logger))
				}
				r.Mount("/patients", cfg.Doses.Routes())
			})
		}

		if cfg.Admin != nil {
			r.Group(func(r chi.Router) {
				r.Use(middleware.APIKeyAuth(cfg.AdminKeys))
				r.Mount("/admin", cfg.Admin.Routes())
			})
		}
	})

	return r
}
