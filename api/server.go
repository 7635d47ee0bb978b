/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for case-worker frontends

ROUTE GROUPS:
  /api/cases/*      Case intake and the treatment lifecycle
  /api/payments/*   Dispatch status across cases
  /api/scenarios/*  Demo scenarios

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.
  Production deployments sit behind the gateway that injects the
  authenticated actor.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Case routes
		r.Route("/cases", func(r chi.Router) {
			r.Post("/", h.CreateCase)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetCase)

				// Treatment lifecycle
				r.Route("/treatments", func(r chi.Router) {
					r.Post("/", h.StartTreatment)
					r.Route("/{treatmentID}", func(r chi.Router) {
						r.Get("/", h.GetTreatment)
						r.Post("/assess", h.Assess)
						r.Post("/simulate", h.Simulate)
						r.Post("/send-for-approval", h.SendForApproval)
						r.Post("/reject", h.Reject)
						r.Post("/finalize", h.Finalize)
						r.Post("/abort", h.Abort)
					})
				})

				// Payment receipts
				r.Post("/payments/{paymentID}/receipt", h.ConfirmReceipt)

				// Abroad stays
				r.Route("/abroad-stays", func(r chi.Router) {
					r.Get("/", h.ListStays)
					r.Post("/", h.RegisterStay)
					r.Post("/correct", h.CorrectStay)
					r.Post("/annul", h.AnnulStay)
					r.Get("/days", h.TotalDaysAbroad)
				})

				// Repayment claims
				r.Route("/repayment-claims", func(r chi.Router) {
					r.Get("/", h.ListClaims)
					r.Post("/", h.OpenClaim)
					r.Post("/correct", h.CorrectClaim)
					r.Post("/send-for-approval", h.SendClaimForApproval)
					r.Post("/finalize", h.FinalizeClaim)
					r.Post("/abort", h.AbortClaim)
				})
			})
		})

		// Cross-case payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Get("/failed", h.ListFailedPayments)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
