package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/controlplane/pkg/models"
)

// MemoryStore is an in-process Store used for local runs and tests.
// Each tenant and the instances and reservations it owns sit behind one
// shard mutex, so quota operations serialize per tenant only.
type MemoryStore struct {
	mu                sync.RWMutex
	tenants           map[uuid.UUID]*tenantShard
	instanceTenant    map[uuid.UUID]uuid.UUID
	reservationTenant map[uuid.UUID]uuid.UUID
	definitions       map[uuid.UUID]*models.ServiceDefinition

	keysMu sync.Mutex
	keys   map[uuid.UUID]*models.APIKey

	auditMu sync.Mutex
	audit   []*models.AuditLog
	seq     int64

	metricsMu sync.Mutex
	metrics   []*models.ServiceMetric
}

type tenantShard struct {
	mu           sync.Mutex
	tenant       *models.Tenant
	instances    map[uuid.UUID]*models.ServiceInstance
	reservations map[uuid.UUID]*models.Reservation
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:           make(map[uuid.UUID]*tenantShard),
		instanceTenant:    make(map[uuid.UUID]uuid.UUID),
		reservationTenant: make(map[uuid.UUID]uuid.UUID),
		definitions:       make(map[uuid.UUID]*models.ServiceDefinition),
		keys:              make(map[uuid.UUID]*models.APIKey),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) shard(tenantID uuid.UUID) (*tenantShard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return sh, nil
}

func (s *MemoryStore) shardFor(index map[uuid.UUID]uuid.UUID, id uuid.UUID) (*tenantShard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenantID, ok := index[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.tenants[tenantID], nil
}

func copyTenant(t *models.Tenant) *models.Tenant {
	c := *t
	return &c
}

func copyReservation(r *models.Reservation) *models.Reservation {
	c := *r
	return &c
}

// --- Tenants ---

func (s *MemoryStore) CreateTenant(_ context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; ok {
		return ErrDuplicateKey
	}
	s.tenants[t.ID] = &tenantShard{
		tenant:       copyTenant(t),
		instances:    make(map[uuid.UUID]*models.ServiceInstance),
		reservations: make(map[uuid.UUID]*models.Reservation),
	}
	return nil
}

func (s *MemoryStore) GetTenant(_ context.Context, id uuid.UUID) (*models.Tenant, error) {
	sh, err := s.shard(id)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return copyTenant(sh.tenant), nil
}

func (s *MemoryStore) DeactivateTenant(_ context.Context, id uuid.UUID, now time.Time) (*TenantDeactivation, error) {
	sh, err := s.shard(id)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	out := &TenantDeactivation{Before: copyTenant(sh.tenant)}
	if !sh.tenant.Active {
		out.After = copyTenant(sh.tenant)
		return out, nil
	}

	sh.tenant.Active = false
	sh.tenant.DeactivatedAt = &now
	sh.tenant.UpdatedAt = now
	out.After = copyTenant(sh.tenant)

	for _, inst := range sh.instances {
		if inst.Status != models.InstanceStatusProvisioning && inst.Status != models.InstanceStatusActive {
			continue
		}
		inst.Status = models.InstanceStatusSuspended
		inst.UpdatedAt = now
		inst.Version++
		out.Suspended = append(out.Suspended, inst.Clone())
	}
	return out, nil
}

// --- Quota ---

func (s *MemoryStore) ReserveQuota(_ context.Context, p ReserveParams) (*models.Reservation, error) {
	sh, err := s.shard(p.TenantID)
	if err != nil {
		return nil, err
	}

	sh.mu.Lock()
	t := sh.tenant
	if !t.Active {
		sh.mu.Unlock()
		return nil, ErrTenantInactive
	}
	if !checkHeadroom(t, p.Resource, p.Amount) {
		sh.mu.Unlock()
		return nil, ErrQuotaExceeded
	}
	t.SetCurrent(p.Resource, t.Current(p.Resource)+p.Amount)
	t.UpdatedAt = p.Now

	res := &models.Reservation{
		ID:        p.ID,
		TenantID:  p.TenantID,
		Resource:  p.Resource,
		Amount:    p.Amount,
		HolderID:  p.HolderID,
		CreatedAt: p.Now,
	}
	sh.reservations[res.ID] = res
	sh.mu.Unlock()

	s.mu.Lock()
	s.reservationTenant[res.ID] = p.TenantID
	s.mu.Unlock()

	return copyReservation(res), nil
}

func (s *MemoryStore) ReleaseQuota(_ context.Context, reservationID uuid.UUID, now time.Time) (*models.Reservation, bool, error) {
	sh, err := s.shardFor(s.reservationTenant, reservationID)
	if err != nil {
		return nil, false, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	res, ok := sh.reservations[reservationID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if res.ReleasedAt != nil {
		return copyReservation(res), false, nil
	}

	res.ReleasedAt = &now
	t := sh.tenant
	t.SetCurrent(res.Resource, t.Current(res.Resource)-res.Amount)
	refreshOverQuota(t, now)
	t.UpdatedAt = now
	return copyReservation(res), true, nil
}

func (s *MemoryStore) GetReservation(_ context.Context, id uuid.UUID) (*models.Reservation, error) {
	sh, err := s.shardFor(s.reservationTenant, id)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	res, ok := sh.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyReservation(res), nil
}

func (s *MemoryStore) AdjustTenantUsage(_ context.Context, tenantID uuid.UUID, resource models.Resource, delta int64, now time.Time) (*models.Tenant, error) {
	sh, err := s.shard(tenantID)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	applyTenantUsage(sh.tenant, resource, delta, now)
	return copyTenant(sh.tenant), nil
}

func (s *MemoryStore) AdjustInstanceUsage(_ context.Context, instanceID uuid.UUID, delta int64, now time.Time) (*UsageAdjustment, error) {
	sh, err := s.shardFor(s.instanceTenant, instanceID)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	inst, ok := sh.instances[instanceID]
	if !ok {
		return nil, ErrNotFound
	}
	out := &UsageAdjustment{}
	if inst.Status == models.InstanceStatusActive {
		out.Applied = true
		out.BecameOverQuota = applyInstanceUsage(inst, delta, now)
		applyTenantUsage(sh.tenant, models.ResourceAPICalls, delta, now)
	}
	out.Instance = inst.Clone()
	out.Tenant = copyTenant(sh.tenant)
	return out, nil
}

// --- Service Definitions ---

func (s *MemoryStore) CreateServiceDefinition(_ context.Context, d *models.ServiceDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.definitions[d.ID]; ok {
		return ErrDuplicateKey
	}
	for _, existing := range s.definitions {
		if existing.Type == d.Type {
			return ErrDuplicateKey
		}
	}
	c := *d
	s.definitions[d.ID] = &c
	return nil
}

func (s *MemoryStore) GetServiceDefinition(_ context.Context, id uuid.UUID) (*models.ServiceDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.definitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *d
	return &c, nil
}

func (s *MemoryStore) ListServiceDefinitions(_ context.Context, activeOnly bool) ([]*models.ServiceDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]*models.ServiceDefinition, 0, len(s.definitions))
	for _, d := range s.definitions {
		if activeOnly && !d.Active {
			continue
		}
		c := *d
		defs = append(defs, &c)
	}
	slices.SortFunc(defs, func(a, b *models.ServiceDefinition) int {
		switch {
		case a.Type < b.Type:
			return -1
		case a.Type > b.Type:
			return 1
		}
		return 0
	})
	return defs, nil
}

// --- Service Instances ---

// nameTaken reports whether another live instance in the shard uses name.
func (sh *tenantShard) nameTaken(name string, except uuid.UUID) bool {
	for _, other := range sh.instances {
		if other.ID != except && other.Name == name && other.Status != models.InstanceStatusDeleted {
			return true
		}
	}
	return false
}

func (s *MemoryStore) CreateInstance(_ context.Context, inst *models.ServiceInstance) error {
	s.mu.RLock()
	sh, ok := s.tenants[inst.TenantID]
	_, defOK := s.definitions[inst.DefinitionID]
	s.mu.RUnlock()
	if !ok || !defOK {
		return ErrNotFound
	}

	sh.mu.Lock()
	if _, exists := sh.instances[inst.ID]; exists {
		sh.mu.Unlock()
		return ErrDuplicateKey
	}
	if inst.Status != models.InstanceStatusDeleted && sh.nameTaken(inst.Name, inst.ID) {
		sh.mu.Unlock()
		return ErrDuplicateKey
	}
	sh.instances[inst.ID] = inst.Clone()
	sh.mu.Unlock()

	s.mu.Lock()
	s.instanceTenant[inst.ID] = inst.TenantID
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id uuid.UUID) (*models.ServiceInstance, error) {
	sh, err := s.shardFor(s.instanceTenant, id)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	inst, ok := sh.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) GetInstanceByName(_ context.Context, tenantID uuid.UUID, name string) (*models.ServiceInstance, error) {
	sh, err := s.shard(tenantID)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for _, inst := range sh.instances {
		if inst.Name == name && inst.Status != models.InstanceStatusDeleted {
			return inst.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*models.ServiceInstance, int, error) {
	sh, err := s.shard(filter.TenantID)
	if err != nil {
		return []*models.ServiceInstance{}, 0, nil
	}

	sh.mu.Lock()
	var matched []*models.ServiceInstance
	for _, inst := range sh.instances {
		if filter.Status != "" {
			if inst.Status != filter.Status {
				continue
			}
		} else if !filter.IncludeDeleted && inst.Status == models.InstanceStatusDeleted {
			continue
		}
		if filter.DefinitionID != nil && inst.DefinitionID != *filter.DefinitionID {
			continue
		}
		matched = append(matched, inst.Clone())
	}
	sh.mu.Unlock()

	slices.SortFunc(matched, func(a, b *models.ServiceInstance) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return compareUUID(a.ID, b.ID)
	})

	total := len(matched)
	limit, offset := normalizePage(filter.Page, filter.Limit)
	return paginate(matched, limit, offset), total, nil
}

func (s *MemoryStore) UpdateInstance(_ context.Context, inst *models.ServiceInstance) error {
	sh, err := s.shardFor(s.instanceTenant, inst.ID)
	if err != nil {
		return err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	current, ok := sh.instances[inst.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != inst.Version {
		return ErrVersionConflict
	}
	if inst.Status != models.InstanceStatusDeleted && sh.nameTaken(inst.Name, inst.ID) {
		return ErrDuplicateKey
	}

	next := inst.Clone()
	// Usage counters belong to AdjustInstanceUsage.
	next.CurrentUsage = current.CurrentUsage
	next.LastAccessedAt = current.LastAccessedAt
	next.OverQuota = next.UsageQuota > 0 && next.CurrentUsage > next.UsageQuota
	next.Version = current.Version + 1
	sh.instances[inst.ID] = next

	inst.Version = next.Version
	inst.CurrentUsage = next.CurrentUsage
	inst.LastAccessedAt = current.LastAccessedAt
	inst.OverQuota = next.OverQuota
	return nil
}

func (s *MemoryStore) CountInstances(_ context.Context, tenantID uuid.UUID, status models.InstanceStatus) (int, error) {
	sh, err := s.shard(tenantID)
	if err != nil {
		return 0, nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n := 0
	for _, inst := range sh.instances {
		if inst.Status == status {
			n++
		}
	}
	return n, nil
}

// --- API Keys ---

func (s *MemoryStore) CreateAPIKey(_ context.Context, k *models.APIKey) error {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	if _, ok := s.keys[k.ID]; ok {
		return ErrDuplicateKey
	}
	c := *k
	s.keys[k.ID] = &c
	return nil
}

func (s *MemoryStore) GetAPIKeysByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.RevokedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) RevokeAPIKeys(_ context.Context, instanceID uuid.UUID, now time.Time) (int, error) {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	n := 0
	for _, k := range s.keys {
		if k.InstanceID == instanceID && k.RevokedAt == nil {
			revokedAt := now
			k.RevokedAt = &revokedAt
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	return nil
}

// --- Audit Logs ---

func (s *MemoryStore) AppendAuditLog(_ context.Context, e *models.AuditLog) error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	s.seq++
	e.Seq = s.seq
	c := *e
	s.audit = append(s.audit, &c)
	return nil
}

func (s *MemoryStore) ListAuditLogs(_ context.Context, filter AuditFilter) ([]*models.AuditLog, int, error) {
	s.auditMu.Lock()
	var matched []*models.AuditLog
	for _, e := range s.audit {
		if e.TenantID != filter.TenantID {
			continue
		}
		if filter.EntityType != "" && e.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != nil && e.EntityID != *filter.EntityID {
			continue
		}
		if filter.UserID != nil && (e.UserID == nil || *e.UserID != *filter.UserID) {
			continue
		}
		if filter.Severity != "" && e.Severity != filter.Severity {
			continue
		}
		if !filter.From.IsZero() && e.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.CreatedAt.After(filter.To) {
			continue
		}
		c := *e
		matched = append(matched, &c)
	}
	s.auditMu.Unlock()

	slices.SortFunc(matched, func(a, b *models.AuditLog) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			c = cmpInt64(a.Seq, b.Seq)
		}
		if !filter.Ascending {
			c = -c
		}
		return c
	})

	total := len(matched)
	limit, offset := normalizePage(filter.Page, filter.Limit)
	return paginate(matched, limit, offset), total, nil
}

// --- Metrics ---

func (s *MemoryStore) CreateMetric(_ context.Context, m *models.ServiceMetric) error {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	c := *m
	s.metrics = append(s.metrics, &c)
	return nil
}

func (s *MemoryStore) ListRecentMetrics(_ context.Context, tenantID uuid.UUID, limit int) ([]*models.ServiceMetric, error) {
	out := []*models.ServiceMetric{}
	if limit <= 0 {
		return out, nil
	}
	// Walk newest-appended first so the stable sort keeps later samples
	// ahead of earlier ones with the same timestamp.
	s.metricsMu.Lock()
	for i := len(s.metrics) - 1; i >= 0; i-- {
		if m := s.metrics[i]; m.TenantID == tenantID {
			c := *m
			out = append(out, &c)
		}
	}
	s.metricsMu.Unlock()

	slices.SortStableFunc(out, func(a, b *models.ServiceMetric) int {
		return b.RecordedAt.Compare(a.RecordedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func compareUUID(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
