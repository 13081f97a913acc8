package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey is a credential bound to one service instance.
// Raw keys are shown once at issuance; only the bcrypt hash is stored.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	InstanceID uuid.UUID  `db:"instance_id"  json:"instance_id"`
	TenantID   uuid.UUID  `db:"tenant_id"    json:"tenant_id"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `db:"revoked_at"   json:"revoked_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
}
