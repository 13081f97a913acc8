// Package handler contains the HTTP handlers of the control plane API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/controlplane/internal/api/middleware"
	"github.com/kiranshivaraju/controlplane/internal/api/response"
	"github.com/kiranshivaraju/controlplane/internal/apikey"
	"github.com/kiranshivaraju/controlplane/internal/audit"
	"github.com/kiranshivaraju/controlplane/internal/lifecycle"
	"github.com/kiranshivaraju/controlplane/internal/metering"
	"github.com/kiranshivaraju/controlplane/internal/schema"
	"github.com/kiranshivaraju/controlplane/internal/store"
	"github.com/kiranshivaraju/controlplane/pkg/models"
)

const maxBodyBytes = 1 << 20

// InstanceService is the lifecycle surface the handlers depend on.
type InstanceService interface {
	Create(ctx context.Context, actor models.Actor, p lifecycle.CreateParams) (*lifecycle.CreateResult, error)
	Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.ServiceInstance, error)
	List(ctx context.Context, actor models.Actor, p lifecycle.ListParams) ([]*models.ServiceInstance, int, error)
	Update(ctx context.Context, actor models.Actor, id uuid.UUID, patch lifecycle.Patch) (*models.ServiceInstance, error)
	Suspend(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.ServiceInstance, error)
	Resume(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.ServiceInstance, error)
	Delete(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.ServiceInstance, error)
	IssueCredential(ctx context.Context, actor models.Actor, id uuid.UUID) (*apikey.Issued, error)
	RevokeCredential(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.ServiceInstance, error)
	ValidateCredential(ctx context.Context, credential string) (*models.APIKey, error)
	Definitions(ctx context.Context) ([]*models.ServiceDefinition, error)
	DeactivateTenant(ctx context.Context, actor models.Actor) (*store.TenantDeactivation, error)
}

// MetricsService records samples and serves dashboards.
type MetricsService interface {
	Record(ctx context.Context, actor models.Actor, instanceID uuid.UUID, p metering.RecordParams) (*models.ServiceMetric, error)
	DashboardStats(ctx context.Context, tenantID uuid.UUID) (*metering.Stats, error)
}

// AuditService answers audit log queries.
type AuditService interface {
	Query(ctx context.Context, f audit.Filter) ([]*models.AuditLog, int, error)
}

// QuotaService exposes tenant headroom and reservations.
type QuotaService interface {
	Tenant(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error)
	Headroom(ctx context.Context, tenantID uuid.UUID, resource models.Resource) (int64, error)
	Allocate(ctx context.Context, actor models.Actor, resource models.Resource, amount int64, holderID *uuid.UUID) (*models.Reservation, error)
	Deallocate(ctx context.Context, actor models.Actor, reservationID uuid.UUID) (*models.Reservation, error)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Use JSON tag names for field names in errors
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeBody reads a JSON body into dst and validates it. It writes the
// error response and returns false when the body is unusable.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request", nil)
			return false
		}
		details := make([]schema.Violation, 0, len(verrs))
		for _, e := range verrs {
			details = append(details, schema.Violation{Field: e.Field(), Message: validationMessage(e)})
		}
		response.Error(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request validation failed", details)
		return false
	}
	return true
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "This field is required"
	case "uuid":
		return "Invalid UUID format"
	case "oneof":
		return "Must be one of: " + e.Param()
	case "max":
		if e.Kind() == reflect.String {
			return "Must be at most " + e.Param() + " characters"
		}
		return "Must be at most " + e.Param()
	case "gte":
		return "Must be greater than or equal to " + e.Param()
	case "gt":
		return "Must be greater than " + e.Param()
	}
	return "Invalid value"
}

// actorFrom returns the identity set by the Identity middleware, writing a
// 401 when it is missing.
func actorFrom(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	actor, ok := mw.GetActor(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "MISSING_TENANT", "Missing tenant identity", nil)
	}
	return actor, ok
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", param+" must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func queryUUID(w http.ResponseWriter, r *http.Request, name string) (*uuid.UUID, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a UUID", nil)
		return nil, false
	}
	return &id, true
}

// pagination parses page and limit, defaulting to page 1 of 20 and capping
// limit at 100.
func pagination(w http.ResponseWriter, r *http.Request) (page, limit int, ok bool) {
	page, limit = 1, 20
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
			return 0, 0, false
		}
		page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
			return 0, 0, false
		}
		limit = min(n, 100)
	}
	return page, limit, true
}
