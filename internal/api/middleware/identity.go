package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/controlplane/internal/api/response"
	"github.com/kiranshivaraju/controlplane/pkg/models"
)

// Headers set by the upstream auth gateway. The control plane trusts them.
const (
	TenantHeader = "X-Tenant-ID"
	ActorHeader  = "X-Actor-ID"
)

// Identity reads the caller identity supplied by the auth gateway and
// stores it in the request context as a models.Actor.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawTenant := strings.TrimSpace(r.Header.Get(TenantHeader))
		if rawTenant == "" {
			response.Error(w, http.StatusUnauthorized,
				"MISSING_TENANT", "Missing "+TenantHeader+" header", nil)
			return
		}
		tenantID, err := uuid.Parse(rawTenant)
		if err != nil {
			response.Error(w, http.StatusBadRequest,
				"INVALID_TENANT", TenantHeader+" must be a UUID", nil)
			return
		}

		actor := models.Actor{
			TenantID:  tenantID,
			IPAddress: clientIP(r),
			UserAgent: r.UserAgent(),
		}
		if rawActor := strings.TrimSpace(r.Header.Get(ActorHeader)); rawActor != "" {
			userID, err := uuid.Parse(rawActor)
			if err != nil {
				response.Error(w, http.StatusBadRequest,
					"INVALID_ACTOR", ActorHeader+" must be a UUID", nil)
				return
			}
			actor.UserID = &userID
		}

		ctx := SetTenantID(r.Context(), tenantID)
		ctx = SetActor(ctx, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP prefers the first X-Forwarded-For hop set by the gateway.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
