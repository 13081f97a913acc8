package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/controlplane/internal/api/response"
	"github.com/kiranshivaraju/controlplane/internal/quota"
	"github.com/kiranshivaraju/controlplane/pkg/models"
)

type quotaResponse struct {
	Resource  models.Resource `json:"resource"`
	Limit     int64           `json:"limit"`
	Current   int64           `json:"current"`
	Remaining *int64          `json:"remaining"`
	OverQuota bool            `json:"over_quota"`
}

type reserveRequest struct {
	Resource string  `json:"resource" validate:"required,oneof=users storage api_calls instances"`
	Amount   int64   `json:"amount" validate:"gt=0"`
	HolderID *string `json:"holder_id" validate:"omitempty,uuid"`
}

// NewQuotaHandler returns an http.HandlerFunc for GET /api/v1/quota/{resource}.
// A null remaining means the resource is unbounded.
func NewQuotaHandler(svc QuotaService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		resource := models.Resource(chi.URLParam(r, "resource"))
		headroom, err := svc.Headroom(r.Context(), actor.TenantID, resource)
		if err != nil {
			response.AppError(w, err)
			return
		}
		t, err := svc.Tenant(r.Context(), actor.TenantID)
		if err != nil {
			response.AppError(w, err)
			return
		}

		out := quotaResponse{
			Resource:  resource,
			Limit:     t.Limit(resource),
			Current:   t.Current(resource),
			OverQuota: t.OverQuota,
		}
		if headroom != quota.Unbounded {
			out.Remaining = &headroom
		}
		response.JSON(w, out)
	}
}

// NewReserveHandler returns an http.HandlerFunc for POST /api/v1/quota/reservations.
func NewReserveHandler(svc QuotaService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		var req reserveRequest
		if !decodeBody(w, r, &req) {
			return
		}
		var holder *uuid.UUID
		if req.HolderID != nil {
			id := uuid.MustParse(*req.HolderID)
			holder = &id
		}

		res, err := svc.Allocate(r.Context(), actor, models.Resource(req.Resource), req.Amount, holder)
		if err != nil {
			response.AppError(w, err)
			return
		}
		response.Created(w, res)
	}
}

// NewReleaseHandler returns an http.HandlerFunc for DELETE /api/v1/quota/reservations/{reservationID}.
func NewReleaseHandler(svc QuotaService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "reservationID")
		if !ok {
			return
		}
		res, err := svc.Deallocate(r.Context(), actor, id)
		if err != nil {
			response.AppError(w, err)
			return
		}
		response.JSON(w, res)
	}
}
