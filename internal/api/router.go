package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/controlplane/internal/api/middleware"
	"github.com/kiranshivaraju/controlplane/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit

	HealthHandler      http.HandlerFunc
	ValidateCredential http.HandlerFunc
	ListDefinitions    http.HandlerFunc

	CreateInstance   http.HandlerFunc
	ListInstances    http.HandlerFunc
	GetInstance      http.HandlerFunc
	UpdateInstance   http.HandlerFunc
	SuspendInstance  http.HandlerFunc
	ResumeInstance   http.HandlerFunc
	DeleteInstance   http.HandlerFunc
	IssueCredential  http.HandlerFunc
	RevokeCredential http.HandlerFunc
	RecordMetric     http.HandlerFunc

	Dashboard        http.HandlerFunc
	AuditLog         http.HandlerFunc
	Quota            http.HandlerFunc
	Reserve          http.HandlerFunc
	Release          http.HandlerFunc
	DeactivateTenant http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public routes
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Post("/api/v1/credentials/validate", orNotImplemented(deps.ValidateCredential))

	// Tenant-scoped routes
	r.Group(func(r chi.Router) {
		r.Use(mw.Identity)
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Get("/api/v1/definitions", orNotImplemented(deps.ListDefinitions))

		r.Route("/api/v1/instances", func(r chi.Router) {
			r.Post("/", orNotImplemented(deps.CreateInstance))
			r.Get("/", orNotImplemented(deps.ListInstances))

			r.Route("/{instanceID}", func(r chi.Router) {
				r.Get("/", orNotImplemented(deps.GetInstance))
				r.Patch("/", orNotImplemented(deps.UpdateInstance))
				r.Delete("/", orNotImplemented(deps.DeleteInstance))
				r.Post("/suspend", orNotImplemented(deps.SuspendInstance))
				r.Post("/resume", orNotImplemented(deps.ResumeInstance))
				r.Post("/credentials", orNotImplemented(deps.IssueCredential))
				r.Delete("/credentials", orNotImplemented(deps.RevokeCredential))
				r.Post("/metrics", orNotImplemented(deps.RecordMetric))
			})
		})

		r.Get("/api/v1/dashboard", orNotImplemented(deps.Dashboard))
		r.Get("/api/v1/audit", orNotImplemented(deps.AuditLog))

		r.Get("/api/v1/quota/{resource}", orNotImplemented(deps.Quota))
		r.Post("/api/v1/quota/reservations", orNotImplemented(deps.Reserve))
		r.Delete("/api/v1/quota/reservations/{reservationID}", orNotImplemented(deps.Release))

		r.Post("/api/v1/tenant/deactivate", orNotImplemented(deps.DeactivateTenant))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
