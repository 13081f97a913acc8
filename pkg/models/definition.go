package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ServiceDefinition is a catalog entry describing a provisionable service type.
// The engine only reads definitions; the catalog is managed elsewhere.
type ServiceDefinition struct {
	ID            uuid.UUID       `db:"id"             json:"id"`
	Type          string          `db:"type"           json:"type"`
	Name          string          `db:"name"           json:"name"`
	Description   string          `db:"description"    json:"description"`
	ConfigSchema  json.RawMessage `db:"config_schema"  json:"config_schema"`
	DefaultConfig json.RawMessage `db:"default_config" json:"default_config"`
	Active        bool            `db:"active"         json:"active"`
	CreatedAt     time.Time       `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"     json:"updated_at"`
}
