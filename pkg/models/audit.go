package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity classifies an audit entry.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// IsValid reports whether s is a known severity.
func (s Severity) IsValid() bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityError
}

// AuditLog is an append-only record of a state-changing action.
// Entries are totally ordered by (CreatedAt, Seq).
type AuditLog struct {
	ID         uuid.UUID       `db:"id"          json:"id"`
	Seq        int64           `db:"seq"         json:"seq"`
	TenantID   uuid.UUID       `db:"tenant_id"   json:"tenant_id"`
	UserID     *uuid.UUID      `db:"user_id"     json:"user_id,omitempty"`
	Action     string          `db:"action"      json:"action"`
	EntityType string          `db:"entity_type" json:"entity_type"`
	EntityID   uuid.UUID       `db:"entity_id"   json:"entity_id"`
	OldValues  json.RawMessage `db:"old_values"  json:"old_values,omitempty"`
	NewValues  json.RawMessage `db:"new_values"  json:"new_values,omitempty"`
	IPAddress  string          `db:"ip_address"  json:"ip_address,omitempty"`
	UserAgent  string          `db:"user_agent"  json:"user_agent,omitempty"`
	Severity   Severity        `db:"severity"    json:"severity"`
	CreatedAt  time.Time       `db:"created_at"  json:"created_at"`
}

// Actor is the authenticated caller identity supplied by the auth gateway.
type Actor struct {
	TenantID  uuid.UUID
	UserID    *uuid.UUID
	IPAddress string
	UserAgent string
}

// SystemActor returns an actor for engine-initiated changes within a tenant.
func SystemActor(tenantID uuid.UUID) Actor {
	return Actor{TenantID: tenantID, UserAgent: "system"}
}
