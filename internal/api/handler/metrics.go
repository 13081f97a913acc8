package handler

import (
	"encoding/json"
	"net/http"

	"github.com/kiranshivaraju/controlplane/internal/api/response"
	"github.com/kiranshivaraju/controlplane/internal/metering"
)

type recordMetricRequest struct {
	Name  string          `json:"metric_name" validate:"required,max=100"`
	Value *float64        `json:"metric_value" validate:"required"`
	Unit  string          `json:"unit" validate:"max=32"`
	Tags  json.RawMessage `json:"tags"`
}

// NewRecordMetricHandler returns an http.HandlerFunc for POST /api/v1/instances/{instanceID}/metrics.
func NewRecordMetricHandler(svc MetricsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "instanceID")
		if !ok {
			return
		}
		var req recordMetricRequest
		if !decodeBody(w, r, &req) {
			return
		}

		m, err := svc.Record(r.Context(), actor, id, metering.RecordParams{
			Name:  req.Name,
			Value: *req.Value,
			Unit:  req.Unit,
			Tags:  req.Tags,
		})
		if err != nil {
			response.AppError(w, err)
			return
		}
		response.Created(w, m)
	}
}

// NewDashboardHandler returns an http.HandlerFunc for GET /api/v1/dashboard.
func NewDashboardHandler(svc MetricsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		stats, err := svc.DashboardStats(r.Context(), actor.TenantID)
		if err != nil {
			response.AppError(w, err)
			return
		}
		response.JSON(w, stats)
	}
}
