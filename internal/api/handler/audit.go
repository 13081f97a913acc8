package handler

import (
	"net/http"
	"time"

	"github.com/kiranshivaraju/controlplane/internal/api/response"
	"github.com/kiranshivaraju/controlplane/internal/audit"
	"github.com/kiranshivaraju/controlplane/pkg/models"
)

// NewAuditLogHandler returns an http.HandlerFunc for GET /api/v1/audit.
// Results are always scoped to the caller's tenant.
func NewAuditLogHandler(svc AuditService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		page, limit, ok := pagination(w, r)
		if !ok {
			return
		}
		entityID, ok := queryUUID(w, r, "entity_id")
		if !ok {
			return
		}
		userID, ok := queryUUID(w, r, "user_id")
		if !ok {
			return
		}
		from, ok := queryTime(w, r, "from")
		if !ok {
			return
		}
		to, ok := queryTime(w, r, "to")
		if !ok {
			return
		}

		q := r.URL.Query()
		entries, total, err := svc.Query(r.Context(), audit.Filter{
			TenantID:   actor.TenantID,
			EntityType: q.Get("entity_type"),
			EntityID:   entityID,
			UserID:     userID,
			Severity:   models.Severity(q.Get("severity")),
			From:       from,
			To:         to,
			Order:      q.Get("order"),
			Page:       page,
			Limit:      limit,
		})
		if err != nil {
			response.AppError(w, err)
			return
		}
		response.Collection(w, entries, response.NewMeta(page, limit, total))
	}
}

func queryTime(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be an RFC3339 timestamp", nil)
		return time.Time{}, false
	}
	return t, true
}
