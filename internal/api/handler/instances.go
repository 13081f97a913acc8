package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/controlplane/internal/api/response"
	"github.com/kiranshivaraju/controlplane/internal/lifecycle"
	"github.com/kiranshivaraju/controlplane/pkg/models"
)

// IdempotencyHeader carries the caller's retry key on create requests.
const IdempotencyHeader = "Idempotency-Key"

type createInstanceRequest struct {
	DefinitionID  string          `json:"definition_id" validate:"required,uuid"`
	Name          string          `json:"name" validate:"required,max=63"`
	Configuration json.RawMessage `json:"configuration"`
	UsageQuota    int64           `json:"usage_quota" validate:"gte=0"`
}

type updateInstanceRequest struct {
	Name          *string         `json:"name" validate:"omitempty,max=63"`
	Configuration json.RawMessage `json:"configuration"`
	Status        *string         `json:"status" validate:"omitempty,oneof=provisioning active suspended failed deleted"`
	UsageQuota    *int64          `json:"usage_quota" validate:"omitempty,gte=0"`
}

type instanceResponse struct {
	*models.ServiceInstance
	APIKey string `json:"api_key,omitempty"`
}

type credentialResponse struct {
	InstanceID uuid.UUID `json:"instance_id"`
	KeyPrefix  string    `json:"key_prefix"`
	APIKey     string    `json:"api_key"`
}

// NewCreateInstanceHandler returns an http.HandlerFunc for POST /api/v1/instances.
func NewCreateInstanceHandler(svc InstanceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		var req createInstanceRequest
		if !decodeBody(w, r, &req) {
			return
		}

		res, err := svc.Create(r.Context(), actor, lifecycle.CreateParams{
			DefinitionID:   uuid.MustParse(req.DefinitionID),
			Name:           req.Name,
			Configuration:  req.Configuration,
			UsageQuota:     req.UsageQuota,
			IdempotencyKey: r.Header.Get(IdempotencyHeader),
		})
		if err != nil {
			response.AppError(w, err)
			return
		}

		body := instanceResponse{ServiceInstance: res.Instance, APIKey: res.APIKey}
		if res.Replayed {
			w.Header().Set("Idempotent-Replayed", "true")
			response.JSON(w, body)
			return
		}
		response.Created(w, body)
	}
}

// NewListInstancesHandler returns an http.HandlerFunc for GET /api/v1/instances.
func NewListInstancesHandler(svc InstanceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		page, limit, ok := pagination(w, r)
		if !ok {
			return
		}
		definitionID, ok := queryUUID(w, r, "definition_id")
		if !ok {
			return
		}

		items, total, err := svc.List(r.Context(), actor, lifecycle.ListParams{
			Status:       models.InstanceStatus(r.URL.Query().Get("status")),
			DefinitionID: definitionID,
			Page:         page,
			Limit:        limit,
		})
		if err != nil {
			response.AppError(w, err)
			return
		}
		response.Collection(w, items, response.NewMeta(page, limit, total))
	}
}

// NewGetInstanceHandler returns an http.HandlerFunc for GET /api/v1/instances/{instanceID}.
func NewGetInstanceHandler(svc InstanceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "instanceID")
		if !ok {
			return
		}
		inst, err := svc.Get(r.Context(), actor, id)
		if err != nil {
			response.AppError(w, err)
			return
		}
		response.JSON(w, inst)
	}
}

// NewUpdateInstanceHandler returns an http.HandlerFunc for PATCH /api/v1/instances/{instanceID}.
func NewUpdateInstanceHandler(svc InstanceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "instanceID")
		if !ok {
			return
		}
		var req updateInstanceRequest
		if !decodeBody(w, r, &req) {
			return
		}

		patch := lifecycle.Patch{
			Name:          req.Name,
			Configuration: req.Configuration,
			UsageQuota:    req.UsageQuota,
		}
		if req.Status != nil {
			status := models.InstanceStatus(*req.Status)
			patch.Status = &status
		}

		inst, err := svc.Update(r.Context(), actor, id, patch)
		if err != nil {
			response.AppError(w, err)
			return
		}
		response.JSON(w, inst)
	}
}

// NewSuspendInstanceHandler returns an http.HandlerFunc for POST /api/v1/instances/{instanceID}/suspend.
func NewSuspendInstanceHandler(svc InstanceService) http.HandlerFunc {
	return instanceAction(svc.Suspend)
}

// NewResumeInstanceHandler returns an http.HandlerFunc for POST /api/v1/instances/{instanceID}/resume.
func NewResumeInstanceHandler(svc InstanceService) http.HandlerFunc {
	return instanceAction(svc.Resume)
}

// NewDeleteInstanceHandler returns an http.HandlerFunc for DELETE /api/v1/instances/{instanceID}.
func NewDeleteInstanceHandler(svc InstanceService) http.HandlerFunc {
	return instanceAction(svc.Delete)
}

// NewRevokeCredentialHandler returns an http.HandlerFunc for DELETE /api/v1/instances/{instanceID}/credentials.
func NewRevokeCredentialHandler(svc InstanceService) http.HandlerFunc {
	return instanceAction(svc.RevokeCredential)
}

type instanceOp = func(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.ServiceInstance, error)

func instanceAction(op instanceOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "instanceID")
		if !ok {
			return
		}
		inst, err := op(r.Context(), actor, id)
		if err != nil {
			response.AppError(w, err)
			return
		}
		response.JSON(w, inst)
	}
}

// NewIssueCredentialHandler returns an http.HandlerFunc for POST /api/v1/instances/{instanceID}/credentials.
func NewIssueCredentialHandler(svc InstanceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "instanceID")
		if !ok {
			return
		}
		issued, err := svc.IssueCredential(r.Context(), actor, id)
		if err != nil {
			response.AppError(w, err)
			return
		}
		response.Created(w, credentialResponse{
			InstanceID: issued.Key.InstanceID,
			KeyPrefix:  issued.Key.KeyPrefix,
			APIKey:     issued.Plaintext,
		})
	}
}

// NewValidateCredentialHandler returns an http.HandlerFunc for POST /api/v1/credentials/validate.
func NewValidateCredentialHandler(svc InstanceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Credential string `json:"credential" validate:"required"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		key, err := svc.ValidateCredential(r.Context(), req.Credential)
		if err != nil {
			response.AppError(w, err)
			return
		}
		response.JSON(w, map[string]any{
			"valid":       true,
			"instance_id": key.InstanceID,
			"tenant_id":   key.TenantID,
			"key_prefix":  key.KeyPrefix,
		})
	}
}

// NewListDefinitionsHandler returns an http.HandlerFunc for GET /api/v1/definitions.
func NewListDefinitionsHandler(svc InstanceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defs, err := svc.Definitions(r.Context())
		if err != nil {
			response.AppError(w, err)
			return
		}
		response.JSON(w, defs)
	}
}

// NewDeactivateTenantHandler returns an http.HandlerFunc for POST /api/v1/tenant/deactivate.
func NewDeactivateTenantHandler(svc InstanceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		out, err := svc.DeactivateTenant(r.Context(), actor)
		if err != nil {
			response.AppError(w, err)
			return
		}
		response.JSON(w, map[string]any{
			"tenant":              out.After,
			"suspended_instances": len(out.Suspended),
		})
	}
}
