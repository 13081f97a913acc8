package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/controlplane/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
// Quota read-modify-writes lock the tenant row (SELECT ... FOR UPDATE), so
// concurrent operations serialize per tenant and never across tenants.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return mapPostgresError(s.pool.Ping(ctx))
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- Tenants ---

const tenantColumns = `id, name, plan, user_limit, storage_limit, api_calls_limit, instance_limit,
	current_users, current_storage, current_api_calls, current_instances,
	over_quota, over_quota_since, active, deactivated_at, created_at, updated_at`

func scanTenant(row rowScanner) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Plan, &t.UserLimit, &t.StorageLimit, &t.APICallsLimit, &t.InstanceLimit,
		&t.CurrentUsers, &t.CurrentStorage, &t.CurrentAPICalls, &t.CurrentInstances,
		&t.OverQuota, &t.OverQuotaSince, &t.Active, &t.DeactivatedAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) CreateTenant(ctx context.Context, t *models.Tenant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (`+tenantColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		t.ID, t.Name, t.Plan, t.UserLimit, t.StorageLimit, t.APICallsLimit, t.InstanceLimit,
		t.CurrentUsers, t.CurrentStorage, t.CurrentAPICalls, t.CurrentInstances,
		t.OverQuota, t.OverQuotaSince, t.Active, t.DeactivatedAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create tenant: %w", mapPostgresError(err))
	}
	return nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get tenant: %w", mapPostgresError(err))
	}
	return t, nil
}

func lockTenant(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Tenant, error) {
	return scanTenant(tx.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1 FOR UPDATE`, id))
}

func saveTenantCounters(ctx context.Context, tx pgx.Tx, t *models.Tenant) error {
	_, err := tx.Exec(ctx,
		`UPDATE tenants SET current_users = $2, current_storage = $3, current_api_calls = $4,
		   current_instances = $5, over_quota = $6, over_quota_since = $7, updated_at = $8
		 WHERE id = $1`,
		t.ID, t.CurrentUsers, t.CurrentStorage, t.CurrentAPICalls, t.CurrentInstances,
		t.OverQuota, t.OverQuotaSince, t.UpdatedAt)
	return err
}

func (s *PostgresStore) DeactivateTenant(ctx context.Context, id uuid.UUID, now time.Time) (*TenantDeactivation, error) {
	var out TenantDeactivation
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		before, err := lockTenant(ctx, tx, id)
		if err != nil {
			return err
		}
		after := *before
		out.Before = before
		out.After = &after
		if !before.Active {
			return nil
		}

		after.Active = false
		after.DeactivatedAt = &now
		after.UpdatedAt = now
		if _, err := tx.Exec(ctx,
			`UPDATE tenants SET active = FALSE, deactivated_at = $2, updated_at = $2 WHERE id = $1`,
			id, now); err != nil {
			return err
		}

		rows, err := tx.Query(ctx,
			`UPDATE service_instances SET status = $2, updated_at = $3, version = version + 1
			 WHERE tenant_id = $1 AND status IN ('provisioning', 'active')
			 RETURNING `+instanceColumns,
			id, models.InstanceStatusSuspended, now)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			inst, err := scanInstance(rows)
			if err != nil {
				return err
			}
			out.Suspended = append(out.Suspended, inst)
		}
		return rows.Err()
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("deactivate tenant: %w", mapPostgresError(err))
	}
	return &out, nil
}

// --- Quota ---

const reservationColumns = `id, tenant_id, resource, amount, holder_id, created_at, released_at`

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var r models.Reservation
	err := row.Scan(&r.ID, &r.TenantID, &r.Resource, &r.Amount, &r.HolderID, &r.CreatedAt, &r.ReleasedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) ReserveQuota(ctx context.Context, p ReserveParams) (*models.Reservation, error) {
	res := &models.Reservation{
		ID:        p.ID,
		TenantID:  p.TenantID,
		Resource:  p.Resource,
		Amount:    p.Amount,
		HolderID:  p.HolderID,
		CreatedAt: p.Now,
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		t, err := lockTenant(ctx, tx, p.TenantID)
		if err != nil {
			return err
		}
		if !t.Active {
			return ErrTenantInactive
		}
		if !checkHeadroom(t, p.Resource, p.Amount) {
			return ErrQuotaExceeded
		}

		t.SetCurrent(p.Resource, t.Current(p.Resource)+p.Amount)
		t.UpdatedAt = p.Now
		if err := saveTenantCounters(ctx, tx, t); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO quota_reservations (`+reservationColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, NULL)`,
			res.ID, res.TenantID, res.Resource, res.Amount, res.HolderID, res.CreatedAt)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTenantInactive) || errors.Is(err, ErrQuotaExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("reserve quota: %w", mapPostgresError(err))
	}
	return res, nil
}

func (s *PostgresStore) ReleaseQuota(ctx context.Context, reservationID uuid.UUID, now time.Time) (*models.Reservation, bool, error) {
	var (
		res      *models.Reservation
		released bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		res, err = scanReservation(tx.QueryRow(ctx,
			`SELECT `+reservationColumns+` FROM quota_reservations WHERE id = $1`, reservationID))
		if err != nil {
			return err
		}

		// Lock the tenant before marking the reservation so lock order matches ReserveQuota.
		t, err := lockTenant(ctx, tx, res.TenantID)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`UPDATE quota_reservations SET released_at = $2 WHERE id = $1 AND released_at IS NULL`,
			reservationID, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		released = true
		res.ReleasedAt = &now

		t.SetCurrent(res.Resource, t.Current(res.Resource)-res.Amount)
		refreshOverQuota(t, now)
		t.UpdatedAt = now
		return saveTenantCounters(ctx, tx, t)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("release quota: %w", mapPostgresError(err))
	}
	return res, released, nil
}

func (s *PostgresStore) GetReservation(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM quota_reservations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get reservation: %w", mapPostgresError(err))
	}
	return r, nil
}

func (s *PostgresStore) AdjustTenantUsage(ctx context.Context, tenantID uuid.UUID, resource models.Resource, delta int64, now time.Time) (*models.Tenant, error) {
	var out *models.Tenant
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		t, err := lockTenant(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		applyTenantUsage(t, resource, delta, now)
		out = t
		return saveTenantCounters(ctx, tx, t)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("adjust tenant usage: %w", mapPostgresError(err))
	}
	return out, nil
}

func (s *PostgresStore) AdjustInstanceUsage(ctx context.Context, instanceID uuid.UUID, delta int64, now time.Time) (*UsageAdjustment, error) {
	var out UsageAdjustment
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var tenantID uuid.UUID
		err := tx.QueryRow(ctx, `SELECT tenant_id FROM service_instances WHERE id = $1`, instanceID).Scan(&tenantID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		// Tenant before instance, the same order DeactivateTenant takes.
		t, err := lockTenant(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		inst, err := scanInstance(tx.QueryRow(ctx,
			`SELECT `+instanceColumns+` FROM service_instances WHERE id = $1 FOR UPDATE`, instanceID))
		if err != nil {
			return err
		}
		out.Tenant = t
		out.Instance = inst
		if inst.Status != models.InstanceStatusActive {
			return nil
		}

		out.Applied = true
		out.BecameOverQuota = applyInstanceUsage(inst, delta, now)
		if _, err := tx.Exec(ctx,
			`UPDATE service_instances SET current_usage = $2, over_quota = $3, last_accessed_at = $4, updated_at = $4
			 WHERE id = $1`,
			inst.ID, inst.CurrentUsage, inst.OverQuota, now); err != nil {
			return err
		}

		applyTenantUsage(t, models.ResourceAPICalls, delta, now)
		return saveTenantCounters(ctx, tx, t)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("adjust instance usage: %w", mapPostgresError(err))
	}
	return &out, nil
}

// --- Service Definitions ---

const definitionColumns = `id, type, name, description, config_schema, default_config, active, created_at, updated_at`

func scanDefinition(row rowScanner) (*models.ServiceDefinition, error) {
	var d models.ServiceDefinition
	err := row.Scan(&d.ID, &d.Type, &d.Name, &d.Description, &d.ConfigSchema, &d.DefaultConfig,
		&d.Active, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) CreateServiceDefinition(ctx context.Context, d *models.ServiceDefinition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO service_definitions (`+definitionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.Type, d.Name, d.Description, d.ConfigSchema, d.DefaultConfig, d.Active, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create service definition: %w", mapPostgresError(err))
	}
	return nil
}

func (s *PostgresStore) GetServiceDefinition(ctx context.Context, id uuid.UUID) (*models.ServiceDefinition, error) {
	d, err := scanDefinition(s.pool.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM service_definitions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get service definition: %w", mapPostgresError(err))
	}
	return d, nil
}

func (s *PostgresStore) ListServiceDefinitions(ctx context.Context, activeOnly bool) ([]*models.ServiceDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM service_definitions`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY type`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list service definitions: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var defs []*models.ServiceDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service definition: %w", err)
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// --- Service Instances ---

const instanceColumns = `id, tenant_id, definition_id, name, configuration, status, endpoint_url, api_key_prefix,
	usage_quota, current_usage, over_quota, reservation_id, failure_reason, version,
	created_at, updated_at, last_accessed_at, deleted_at`

func scanInstance(row rowScanner) (*models.ServiceInstance, error) {
	var i models.ServiceInstance
	err := row.Scan(&i.ID, &i.TenantID, &i.DefinitionID, &i.Name, &i.Configuration, &i.Status,
		&i.EndpointURL, &i.APIKeyPrefix, &i.UsageQuota, &i.CurrentUsage, &i.OverQuota,
		&i.ReservationID, &i.FailureReason, &i.Version,
		&i.CreatedAt, &i.UpdatedAt, &i.LastAccessedAt, &i.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *PostgresStore) CreateInstance(ctx context.Context, i *models.ServiceInstance) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO service_instances (`+instanceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		i.ID, i.TenantID, i.DefinitionID, i.Name, i.Configuration, i.Status, i.EndpointURL, i.APIKeyPrefix,
		i.UsageQuota, i.CurrentUsage, i.OverQuota, i.ReservationID, i.FailureReason, i.Version,
		i.CreatedAt, i.UpdatedAt, i.LastAccessedAt, i.DeletedAt)
	if err != nil {
		return fmt.Errorf("create instance: %w", mapPostgresError(err))
	}
	return nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, id uuid.UUID) (*models.ServiceInstance, error) {
	i, err := scanInstance(s.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM service_instances WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get instance: %w", mapPostgresError(err))
	}
	return i, nil
}

func (s *PostgresStore) GetInstanceByName(ctx context.Context, tenantID uuid.UUID, name string) (*models.ServiceInstance, error) {
	i, err := scanInstance(s.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM service_instances
		 WHERE tenant_id = $1 AND name = $2 AND status <> 'deleted'`, tenantID, name))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get instance by name: %w", mapPostgresError(err))
	}
	return i, nil
}

func (s *PostgresStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*models.ServiceInstance, int, error) {
	conditions := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	} else if !filter.IncludeDeleted {
		conditions = append(conditions, "status <> 'deleted'")
	}
	if filter.DefinitionID != nil {
		conditions = append(conditions, fmt.Sprintf("definition_id = $%d", argIdx))
		args = append(args, *filter.DefinitionID)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM service_instances WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count instances: %w", mapPostgresError(err))
	}

	limit, offset := normalizePage(filter.Page, filter.Limit)
	dataQuery := fmt.Sprintf(
		`SELECT %s FROM service_instances WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		instanceColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list instances: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var instances []*models.ServiceInstance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, i)
	}
	return instances, total, rows.Err()
}

// UpdateInstance writes inst if its Version still matches the stored row, then
// refreshes inst's version and usage fields from the row. Usage counters are
// owned by AdjustInstanceUsage and never overwritten here. A stale version
// returns ErrVersionConflict.
func (s *PostgresStore) UpdateInstance(ctx context.Context, i *models.ServiceInstance) error {
	err := s.pool.QueryRow(ctx,
		`UPDATE service_instances SET name = $3, configuration = $4, status = $5, endpoint_url = $6,
		   api_key_prefix = $7, usage_quota = $8, over_quota = ($8 > 0 AND current_usage > $8),
		   reservation_id = $9, failure_reason = $10, updated_at = $11, deleted_at = $12,
		   version = version + 1
		 WHERE id = $1 AND version = $2
		 RETURNING version, current_usage, over_quota, last_accessed_at`,
		i.ID, i.Version, i.Name, i.Configuration, i.Status, i.EndpointURL,
		i.APIKeyPrefix, i.UsageQuota, i.ReservationID,
		i.FailureReason, i.UpdatedAt, i.DeletedAt,
	).Scan(&i.Version, &i.CurrentUsage, &i.OverQuota, &i.LastAccessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM service_instances WHERE id = $1)`, i.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update instance: %w", mapPostgresError(err))
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("update instance: %w", mapPostgresError(err))
	}
	return nil
}

func (s *PostgresStore) CountInstances(ctx context.Context, tenantID uuid.UUID, status models.InstanceStatus) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM service_instances WHERE tenant_id = $1 AND status = $2`, tenantID, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count instances: %w", mapPostgresError(err))
	}
	return n, nil
}

// --- API Keys ---

const apiKeyColumns = `id, instance_id, tenant_id, key_hash, key_prefix, last_used_at, revoked_at, created_at`

func (s *PostgresStore) CreateAPIKey(ctx context.Context, k *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (`+apiKeyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		k.ID, k.InstanceID, k.TenantID, k.KeyHash, k.KeyPrefix, k.LastUsedAt, k.RevokedAt, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("create api key: %w", mapPostgresError(err))
	}
	return nil
}

func (s *PostgresStore) GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND revoked_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api keys by prefix: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.InstanceID, &k.TenantID, &k.KeyHash, &k.KeyPrefix,
			&k.LastUsedAt, &k.RevokedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKeys(ctx context.Context, instanceID uuid.UUID, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = $2 WHERE instance_id = $1 AND revoked_at IS NULL`, instanceID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke api keys: %w", mapPostgresError(err))
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", mapPostgresError(err))
	}
	return nil
}

// --- Audit Logs ---

const auditColumns = `id, seq, tenant_id, user_id, action, entity_type, entity_id, old_values, new_values,
	ip_address, user_agent, severity, created_at`

// AppendAuditLog inserts entry and sets entry.Seq from the table's sequence.
func (s *PostgresStore) AppendAuditLog(ctx context.Context, e *models.AuditLog) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO audit_logs (id, tenant_id, user_id, action, entity_type, entity_id, old_values, new_values,
		   ip_address, user_agent, severity, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING seq`,
		e.ID, e.TenantID, e.UserID, e.Action, e.EntityType, e.EntityID, e.OldValues, e.NewValues,
		e.IPAddress, e.UserAgent, e.Severity, e.CreatedAt,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("append audit log: %w", mapPostgresError(err))
	}
	return nil
}

func (s *PostgresStore) ListAuditLogs(ctx context.Context, filter AuditFilter) ([]*models.AuditLog, int, error) {
	conditions := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	argIdx := 2

	if filter.EntityType != "" {
		conditions = append(conditions, fmt.Sprintf("entity_type = $%d", argIdx))
		args = append(args, filter.EntityType)
		argIdx++
	}
	if filter.EntityID != nil {
		conditions = append(conditions, fmt.Sprintf("entity_id = $%d", argIdx))
		args = append(args, *filter.EntityID)
		argIdx++
	}
	if filter.UserID != nil {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIdx))
		args = append(args, *filter.UserID)
		argIdx++
	}
	if filter.Severity != "" {
		conditions = append(conditions, fmt.Sprintf("severity = $%d", argIdx))
		args = append(args, filter.Severity)
		argIdx++
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, filter.From)
		argIdx++
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argIdx))
		args = append(args, filter.To)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_logs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit logs: %w", mapPostgresError(err))
	}

	order := "created_at DESC, seq DESC"
	if filter.Ascending {
		order = "created_at ASC, seq ASC"
	}
	limit, offset := normalizePage(filter.Page, filter.Limit)
	dataQuery := fmt.Sprintf(`SELECT %s FROM audit_logs WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		auditColumns, where, order, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit logs: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var entries []*models.AuditLog
	for rows.Next() {
		var e models.AuditLog
		if err := rows.Scan(&e.ID, &e.Seq, &e.TenantID, &e.UserID, &e.Action, &e.EntityType, &e.EntityID,
			&e.OldValues, &e.NewValues, &e.IPAddress, &e.UserAgent, &e.Severity, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan audit log: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, total, rows.Err()
}

// --- Metrics ---

const metricColumns = `id, instance_id, tenant_id, name, value, unit, tags, recorded_at`

func (s *PostgresStore) CreateMetric(ctx context.Context, m *models.ServiceMetric) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO service_metrics (`+metricColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.InstanceID, m.TenantID, m.Name, m.Value, m.Unit, m.Tags, m.RecordedAt)
	if err != nil {
		return fmt.Errorf("create metric: %w", mapPostgresError(err))
	}
	return nil
}

func (s *PostgresStore) ListRecentMetrics(ctx context.Context, tenantID uuid.UUID, limit int) ([]*models.ServiceMetric, error) {
	if limit <= 0 {
		return []*models.ServiceMetric{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+metricColumns+` FROM service_metrics
		 WHERE tenant_id = $1 ORDER BY recorded_at DESC, seq DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent metrics: %w", mapPostgresError(err))
	}
	defer rows.Close()

	metrics := []*models.ServiceMetric{}
	for rows.Next() {
		var m models.ServiceMetric
		if err := rows.Scan(&m.ID, &m.InstanceID, &m.TenantID, &m.Name, &m.Value, &m.Unit, &m.Tags, &m.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		metrics = append(metrics, &m)
	}
	return metrics, rows.Err()
}
