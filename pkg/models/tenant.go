// Package models contains shared data models used across the control plane.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Plan is a tenant's subscription tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanBasic      Plan = "basic"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Resource names a consumable tracked on the tenant.
type Resource string

const (
	ResourceUsers     Resource = "users"
	ResourceStorage   Resource = "storage"
	ResourceAPICalls  Resource = "api_calls"
	ResourceInstances Resource = "instances"
)

// IsValid reports whether r is a known resource.
func (r Resource) IsValid() bool {
	switch r {
	case ResourceUsers, ResourceStorage, ResourceAPICalls, ResourceInstances:
		return true
	}
	return false
}

// IsSoft reports whether r may exceed its limit while the tenant is flagged over quota.
// Hard resources are only ever changed through reservations.
func (r Resource) IsSoft() bool {
	return r == ResourceStorage || r == ResourceAPICalls
}

// Tenant represents a customer account. Every other entity belongs to a tenant.
// All limits use 0 for unbounded. Counters are mutated only by the quota ledger.
type Tenant struct {
	ID               uuid.UUID  `db:"id"                json:"id"`
	Name             string     `db:"name"              json:"name"`
	Plan             Plan       `db:"plan"              json:"plan"`
	UserLimit        int64      `db:"user_limit"        json:"user_limit"`
	StorageLimit     int64      `db:"storage_limit"     json:"storage_limit"`
	APICallsLimit    int64      `db:"api_calls_limit"   json:"api_calls_limit"`
	InstanceLimit    int64      `db:"instance_limit"    json:"instance_limit"`
	CurrentUsers     int64      `db:"current_users"     json:"current_users"`
	CurrentStorage   int64      `db:"current_storage"   json:"current_storage"`
	CurrentAPICalls  int64      `db:"current_api_calls" json:"current_api_calls"`
	CurrentInstances int64      `db:"current_instances" json:"current_instances"`
	OverQuota        bool       `db:"over_quota"        json:"over_quota"`
	OverQuotaSince   *time.Time `db:"over_quota_since"  json:"over_quota_since,omitempty"`
	Active           bool       `db:"active"            json:"active"`
	DeactivatedAt    *time.Time `db:"deactivated_at"    json:"deactivated_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"        json:"updated_at"`
}

// Limit returns the configured limit for r.
func (t *Tenant) Limit(r Resource) int64 {
	switch r {
	case ResourceUsers:
		return t.UserLimit
	case ResourceStorage:
		return t.StorageLimit
	case ResourceAPICalls:
		return t.APICallsLimit
	case ResourceInstances:
		return t.InstanceLimit
	}
	return 0
}

// Current returns the current counter for r.
func (t *Tenant) Current(r Resource) int64 {
	switch r {
	case ResourceUsers:
		return t.CurrentUsers
	case ResourceStorage:
		return t.CurrentStorage
	case ResourceAPICalls:
		return t.CurrentAPICalls
	case ResourceInstances:
		return t.CurrentInstances
	}
	return 0
}

// SetCurrent overwrites the counter for r, clamping at zero.
func (t *Tenant) SetCurrent(r Resource, v int64) {
	if v < 0 {
		v = 0
	}
	switch r {
	case ResourceUsers:
		t.CurrentUsers = v
	case ResourceStorage:
		t.CurrentStorage = v
	case ResourceAPICalls:
		t.CurrentAPICalls = v
	case ResourceInstances:
		t.CurrentInstances = v
	}
}

// ExceedsSoftLimits reports whether any soft counter is above its non-zero limit.
func (t *Tenant) ExceedsSoftLimits() bool {
	if t.StorageLimit > 0 && t.CurrentStorage > t.StorageLimit {
		return true
	}
	return t.APICallsLimit > 0 && t.CurrentAPICalls > t.APICallsLimit
}

// DefaultLimits returns the limits assigned to a new tenant on the given plan.
func DefaultLimits(p Plan) (users, storage, apiCalls, instances int64) {
	switch p {
	case PlanBasic:
		return 10, 10 << 30, 100_000, 10
	case PlanPro:
		return 50, 100 << 30, 1_000_000, 50
	case PlanEnterprise:
		return 0, 0, 0, 0
	default:
		return 5, 1 << 30, 10_000, 3
	}
}
