package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// InstanceStatus is the lifecycle state of a service instance.
type InstanceStatus string

const (
	InstanceStatusProvisioning InstanceStatus = "provisioning"
	InstanceStatusActive       InstanceStatus = "active"
	InstanceStatusSuspended    InstanceStatus = "suspended"
	InstanceStatusFailed       InstanceStatus = "failed"
	InstanceStatusDeleted      InstanceStatus = "deleted"
)

// IsValid reports whether s is a known status.
func (s InstanceStatus) IsValid() bool {
	switch s {
	case InstanceStatusProvisioning, InstanceStatusActive, InstanceStatusSuspended,
		InstanceStatusFailed, InstanceStatusDeleted:
		return true
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusDeleted
}

// ServiceInstance is a tenant-owned unit of a service definition.
// Tenant and definition are referenced by id only.
type ServiceInstance struct {
	ID             uuid.UUID       `db:"id"               json:"id"`
	TenantID       uuid.UUID       `db:"tenant_id"        json:"tenant_id"`
	DefinitionID   uuid.UUID       `db:"definition_id"    json:"definition_id"`
	Name           string          `db:"name"             json:"name"`
	Configuration  json.RawMessage `db:"configuration"    json:"configuration"`
	Status         InstanceStatus  `db:"status"           json:"status"`
	EndpointURL    *string         `db:"endpoint_url"     json:"endpoint_url,omitempty"`
	APIKeyPrefix   *string         `db:"api_key_prefix"   json:"api_key_prefix,omitempty"`
	UsageQuota     int64           `db:"usage_quota"      json:"usage_quota"`
	CurrentUsage   int64           `db:"current_usage"    json:"current_usage"`
	OverQuota      bool            `db:"over_quota"       json:"over_quota"`
	ReservationID  *uuid.UUID      `db:"reservation_id"   json:"-"`
	FailureReason  *string         `db:"failure_reason"   json:"failure_reason,omitempty"`
	Version        int64           `db:"version"          json:"version"`
	CreatedAt      time.Time       `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"       json:"updated_at"`
	LastAccessedAt *time.Time      `db:"last_accessed_at" json:"last_accessed_at,omitempty"`
	DeletedAt      *time.Time      `db:"deleted_at"       json:"deleted_at,omitempty"`
}

// Clone returns a deep copy safe to mutate independently.
func (i *ServiceInstance) Clone() *ServiceInstance {
	c := *i
	if i.Configuration != nil {
		c.Configuration = append(json.RawMessage(nil), i.Configuration...)
	}
	c.EndpointURL = clonePtr(i.EndpointURL)
	c.APIKeyPrefix = clonePtr(i.APIKeyPrefix)
	c.ReservationID = clonePtr(i.ReservationID)
	c.FailureReason = clonePtr(i.FailureReason)
	c.LastAccessedAt = clonePtr(i.LastAccessedAt)
	c.DeletedAt = clonePtr(i.DeletedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
