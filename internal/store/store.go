package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/controlplane/pkg/models"
)

var (
	ErrNotFound        = errors.New("resource not found")
	ErrDuplicateKey    = errors.New("duplicate key violation")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrTenantInactive  = errors.New("tenant inactive")
	ErrVersionConflict = errors.New("version conflict")
	ErrUnavailable     = errors.New("storage unavailable")
)

// Store is the data access interface. All database operations go through here.
//
// Quota operations (ReserveQuota, ReleaseQuota, AdjustTenantUsage,
// AdjustInstanceUsage, DeactivateTenant) are atomic read-modify-writes on the
// tenant record; implementations serialize them per tenant, never globally.
type Store interface {
	Ping(ctx context.Context) error

	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	DeactivateTenant(ctx context.Context, id uuid.UUID, now time.Time) (*TenantDeactivation, error)

	ReserveQuota(ctx context.Context, params ReserveParams) (*models.Reservation, error)
	ReleaseQuota(ctx context.Context, reservationID uuid.UUID, now time.Time) (*models.Reservation, bool, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*models.Reservation, error)
	AdjustTenantUsage(ctx context.Context, tenantID uuid.UUID, resource models.Resource, delta int64, now time.Time) (*models.Tenant, error)
	AdjustInstanceUsage(ctx context.Context, instanceID uuid.UUID, delta int64, now time.Time) (*UsageAdjustment, error)

	CreateServiceDefinition(ctx context.Context, def *models.ServiceDefinition) error
	GetServiceDefinition(ctx context.Context, id uuid.UUID) (*models.ServiceDefinition, error)
	ListServiceDefinitions(ctx context.Context, activeOnly bool) ([]*models.ServiceDefinition, error)

	CreateInstance(ctx context.Context, inst *models.ServiceInstance) error
	GetInstance(ctx context.Context, id uuid.UUID) (*models.ServiceInstance, error)
	GetInstanceByName(ctx context.Context, tenantID uuid.UUID, name string) (*models.ServiceInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*models.ServiceInstance, int, error)
	UpdateInstance(ctx context.Context, inst *models.ServiceInstance) error
	CountInstances(ctx context.Context, tenantID uuid.UUID, status models.InstanceStatus) (int, error)

	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	RevokeAPIKeys(ctx context.Context, instanceID uuid.UUID, now time.Time) (int, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error

	AppendAuditLog(ctx context.Context, entry *models.AuditLog) error
	ListAuditLogs(ctx context.Context, filter AuditFilter) ([]*models.AuditLog, int, error)

	CreateMetric(ctx context.Context, m *models.ServiceMetric) error
	ListRecentMetrics(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.ServiceMetric, error)
}

// ReserveParams describes a check-and-increment against a tenant counter.
type ReserveParams struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	Resource models.Resource
	Amount   int64
	HolderID *uuid.UUID
	Now      time.Time
}

// UsageAdjustment is the outcome of AdjustInstanceUsage.
// Applied is false when the instance is not active and nothing changed.
type UsageAdjustment struct {
	Instance        *models.ServiceInstance
	Tenant          *models.Tenant
	Applied         bool
	BecameOverQuota bool
}

// TenantDeactivation is the outcome of DeactivateTenant.
type TenantDeactivation struct {
	Before    *models.Tenant
	After     *models.Tenant
	Suspended []*models.ServiceInstance
}

type InstanceFilter struct {
	TenantID       uuid.UUID
	Status         models.InstanceStatus
	DefinitionID   *uuid.UUID
	IncludeDeleted bool
	Page           int
	Limit          int
}

type AuditFilter struct {
	TenantID   uuid.UUID
	EntityType string
	EntityID   *uuid.UUID
	UserID     *uuid.UUID
	Severity   models.Severity
	From       time.Time
	To         time.Time
	Ascending  bool
	Page       int
	Limit      int
}

// normalizePage clamps pagination to [1,100] per page and returns limit and offset.
func normalizePage(page, limit int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}
