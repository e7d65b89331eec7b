/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Instrument: Prometheus request count and latency per route
  5. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /api/units/*        Unit registration and obligation history
  /api/obligations/*  Settlement, surcharge quotes, cancellation
  /api/assessments/*  Special assessments
  /api/config         Billing configuration
  /api/admin/*        Operational triggers
  /healthz            Database reachability
  /metrics            Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/community-ledger/metrics"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/units/{id}", func(r chi.Router) {
			r.Put("/", h.SaveUnit)
			r.Get("/obligations", h.ListObligations)
			r.Post("/obligations/next", h.EnsureNext)
		})

		r.Route("/obligations", func(r chi.Router) {
			r.Post("/settle-batch", h.SettleBatch)
			r.Get("/{id}", h.GetObligation)
			r.Get("/{id}/surcharge", h.GetSurcharge)
			r.Post("/{id}/settle", h.Settle)
			r.Post("/{id}/cancel", h.CancelObligation)
			r.Post("/{id}/forward-surplus", h.ForwardSurplus)
		})

		r.Route("/assessments", func(r chi.Router) {
			r.Post("/", h.CreateAssessment)
			r.Get("/{id}", h.GetAssessment)
			r.Post("/{id}/settle", h.SettleAssessment)
			r.Post("/{id}/cancel", h.CancelAssessment)
		})

		r.Get("/config", h.GetConfig)
		r.Put("/config", h.UpdateConfig)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/overdue", h.MarkOverdue)
		})
	})

	return r
}
