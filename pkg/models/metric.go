package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ServiceMetric is an immutable usage sample for one instance.
type ServiceMetric struct {
	ID         uuid.UUID       `db:"id"          json:"id"`
	InstanceID uuid.UUID       `db:"instance_id" json:"instance_id"`
	TenantID   uuid.UUID       `db:"tenant_id"   json:"tenant_id"`
	Name       string          `db:"name"        json:"name"`
	Value      float64         `db:"value"       json:"value"`
	Unit       string          `db:"unit"        json:"unit"`
	Tags       json.RawMessage `db:"tags"        json:"tags,omitempty"`
	RecordedAt time.Time       `db:"recorded_at" json:"recorded_at"`
}
