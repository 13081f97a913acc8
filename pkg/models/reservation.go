package models

import (
	"time"

	"github.com/google/uuid"
)

// Reservation is an atomic allocation against a tenant quota.
// Its ID is the token handed back to the caller for release.
type Reservation struct {
	ID         uuid.UUID  `db:"id"          json:"id"`
	TenantID   uuid.UUID  `db:"tenant_id"   json:"tenant_id"`
	Resource   Resource   `db:"resource"    json:"resource"`
	Amount     int64      `db:"amount"      json:"amount"`
	HolderID   *uuid.UUID `db:"holder_id"   json:"holder_id,omitempty"`
	CreatedAt  time.Time  `db:"created_at"  json:"created_at"`
	ReleasedAt *time.Time `db:"released_at" json:"released_at,omitempty"`
}
