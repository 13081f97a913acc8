package metering_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/controlplane/internal/apperr"
	"github.com/kiranshivaraju/controlplane/internal/audit"
	"github.com/kiranshivaraju/controlplane/internal/cache"
	"github.com/kiranshivaraju/controlplane/internal/metering"
	"github.com/kiranshivaraju/controlplane/internal/quota"
	"github.com/kiranshivaraju/controlplane/internal/retry"
	"github.com/kiranshivaraju/controlplane/internal/store"
	"github.com/kiranshivaraju/controlplane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	store  *store.MemoryStore
	ledger *quota.Ledger
	agg    *metering.Aggregator
	tenant *models.Tenant
	actor  models.Actor
	def    *models.ServiceDefinition
}

func newFixture(t *testing.T, tenant *models.Tenant, opts metering.Options, out io.Writer) *fixture {
	t.Helper()
	if out == nil {
		out = io.Discard
	}
	logger := slog.New(slog.NewTextHandler(out, nil))
	policy := retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond}

	s := store.NewMemoryStore()
	c := cache.NewMemoryCache(time.Minute)
	t.Cleanup(func() { _ = c.Close() })
	rec := audit.NewRecorder(s, policy, logger)
	ledger := quota.NewLedger(s, rec, policy, time.Hour, logger)

	ctx := context.Background()
	now := time.Now().UTC()
	tenant.ID = uuid.New()
	tenant.Name = "acme"
	tenant.Plan = models.PlanPro
	tenant.Active = true
	tenant.CreatedAt, tenant.UpdatedAt = now, now
	require.NoError(t, s.CreateTenant(ctx, tenant))

	def := &models.ServiceDefinition{
		ID: uuid.New(), Type: "redis", Name: "Redis",
		ConfigSchema: json.RawMessage(`{}`), DefaultConfig: json.RawMessage(`{}`),
		Active: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateServiceDefinition(ctx, def))

	agg := metering.NewAggregator(s, ledger, rec, c, policy, logger, opts)
	t.Cleanup(agg.Close)

	return &fixture{
		store: s, ledger: ledger, agg: agg, tenant: tenant, def: def,
		actor: models.Actor{TenantID: tenant.ID},
	}
}

func (f *fixture) instance(t *testing.T, name string, usageQuota int64, status models.InstanceStatus) *models.ServiceInstance {
	t.Helper()
	now := time.Now().UTC()
	inst := &models.ServiceInstance{
		ID: uuid.New(), TenantID: f.tenant.ID, DefinitionID: f.def.ID, Name: name,
		Configuration: json.RawMessage(`{}`), Status: status, UsageQuota: usageQuota,
		Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateInstance(context.Background(), inst))
	return inst
}

func (f *fixture) get(t *testing.T, id uuid.UUID) *models.ServiceInstance {
	t.Helper()
	inst, err := f.store.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func defaultOptions() metering.Options {
	return metering.Options{Workers: 2, QueueSize: 64, RecentMetrics: 5, CacheTTL: time.Minute}
}

func TestRecord_SoftEnforcementFlagsWithoutSuspending(t *testing.T) {
	f := newFixture(t, &models.Tenant{UserLimit: 5, StorageLimit: 0}, defaultOptions(), nil)
	ctx := context.Background()
	inst := f.instance(t, "api", 100, models.InstanceStatusActive)
	f.agg.Start(ctx)

	_, err := f.agg.Record(ctx, f.actor, inst.ID, metering.RecordParams{Name: "apiCalls", Value: 150, Unit: "count"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.get(t, inst.ID).OverQuota
	}, 2*time.Second, 10*time.Millisecond)

	got := f.get(t, inst.ID)
	assert.Equal(t, int64(150), got.CurrentUsage)
	assert.Equal(t, models.InstanceStatusActive, got.Status)

	tenant, err := f.store.GetTenant(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), tenant.CurrentAPICalls)
}

func TestRecord_OverQuotaAuditedOnce(t *testing.T) {
	f := newFixture(t, &models.Tenant{}, defaultOptions(), nil)
	ctx := context.Background()
	inst := f.instance(t, "api", 100, models.InstanceStatusActive)
	f.agg.Start(ctx)

	for _, v := range []float64{150, 10, 5} {
		_, err := f.agg.Record(ctx, f.actor, inst.ID, metering.RecordParams{Name: "api_calls", Value: v})
		require.NoError(t, err)
	}
	f.agg.Close()

	entries, _, err := f.store.ListAuditLogs(ctx, store.AuditFilter{TenantID: f.tenant.ID, Limit: 100})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, metering.ActionOverQuota, entries[0].Action)
	assert.Equal(t, models.SeverityWarning, entries[0].Severity)
	assert.Equal(t, int64(165), f.get(t, inst.ID).CurrentUsage)
}

func TestRecord_SuspendedInstanceDoesNotAccrue(t *testing.T) {
	f := newFixture(t, &models.Tenant{}, defaultOptions(), nil)
	ctx := context.Background()
	inst := f.instance(t, "api", 0, models.InstanceStatusSuspended)
	f.agg.Start(ctx)

	_, err := f.agg.Record(ctx, f.actor, inst.ID, metering.RecordParams{Name: "requests", Value: 40})
	require.NoError(t, err)
	f.agg.Close()

	assert.Zero(t, f.get(t, inst.ID).CurrentUsage)
	recent, err := f.store.ListRecentMetrics(ctx, f.tenant.ID, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestRecord_FullQueueDropsWithWarning(t *testing.T) {
	logs := &syncBuffer{}
	opts := defaultOptions()
	opts.QueueSize = 1
	f := newFixture(t, &models.Tenant{}, opts, logs)
	ctx := context.Background()
	inst := f.instance(t, "api", 0, models.InstanceStatusActive)

	for _, v := range []float64{10, 20, 30} {
		_, err := f.agg.Record(ctx, f.actor, inst.ID, metering.RecordParams{Name: "api_calls", Value: v})
		require.NoError(t, err)
	}
	assert.Contains(t, logs.String(), "usage adjustment queue full")

	f.agg.Start(ctx)
	f.agg.Close()

	assert.Equal(t, int64(10), f.get(t, inst.ID).CurrentUsage)
	recent, err := f.store.ListRecentMetrics(ctx, f.tenant.ID, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestRecord_StorageAdjustsTenant(t *testing.T) {
	f := newFixture(t, &models.Tenant{StorageLimit: 100}, defaultOptions(), nil)
	ctx := context.Background()
	inst := f.instance(t, "blob", 0, models.InstanceStatusActive)
	f.agg.Start(ctx)

	_, err := f.agg.Record(ctx, f.actor, inst.ID, metering.RecordParams{Name: "storage_bytes", Value: 120, Unit: "bytes"})
	require.NoError(t, err)
	f.agg.Close()

	tenant, err := f.store.GetTenant(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(120), tenant.CurrentStorage)
	assert.True(t, tenant.OverQuota)
	assert.Zero(t, f.get(t, inst.ID).CurrentUsage)
}

func TestRecord_NonConsumableMetricOnlyStored(t *testing.T) {
	f := newFixture(t, &models.Tenant{}, defaultOptions(), nil)
	ctx := context.Background()
	inst := f.instance(t, "api", 0, models.InstanceStatusActive)
	f.agg.Start(ctx)

	m, err := f.agg.Record(ctx, f.actor, inst.ID, metering.RecordParams{
		Name: "latency_ms", Value: 12.5, Unit: "ms", Tags: json.RawMessage(`{"region":"eu"}`),
	})
	require.NoError(t, err)
	f.agg.Close()

	assert.Equal(t, f.tenant.ID, m.TenantID)
	assert.Zero(t, f.get(t, inst.ID).CurrentUsage)
}

func TestRecord_Validation(t *testing.T) {
	f := newFixture(t, &models.Tenant{}, defaultOptions(), nil)
	ctx := context.Background()
	inst := f.instance(t, "api", 0, models.InstanceStatusActive)
	deleted := f.instance(t, "gone", 0, models.InstanceStatusDeleted)

	tests := []struct {
		name   string
		actor  models.Actor
		id     uuid.UUID
		params metering.RecordParams
		kind   apperr.Kind
	}{
		{"empty name", f.actor, inst.ID, metering.RecordParams{Name: " ", Value: 1}, apperr.KindValidation},
		{"nan value", f.actor, inst.ID, metering.RecordParams{Name: "x", Value: math.NaN()}, apperr.KindValidation},
		{"tags not object", f.actor, inst.ID, metering.RecordParams{Name: "x", Tags: json.RawMessage(`[1]`)}, apperr.KindValidation},
		{"negative api calls", f.actor, inst.ID, metering.RecordParams{Name: "api_calls", Value: -5}, apperr.KindValidation},
		{"negative storage", f.actor, inst.ID, metering.RecordParams{Name: "storage", Value: -1}, apperr.KindValidation},
		{"api calls beyond int64", f.actor, inst.ID, metering.RecordParams{Name: "requests", Value: 1e19}, apperr.KindValidation},
		{"api calls at 2^63", f.actor, inst.ID, metering.RecordParams{Name: "apiCalls", Value: math.Exp2(63)}, apperr.KindValidation},
		{"unknown instance", f.actor, uuid.New(), metering.RecordParams{Name: "x"}, apperr.KindNotFound},
		{"other tenant", models.Actor{TenantID: uuid.New()}, inst.ID, metering.RecordParams{Name: "x"}, apperr.KindNotFound},
		{"deleted instance", f.actor, deleted.ID, metering.RecordParams{Name: "x"}, apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.agg.Record(ctx, tt.actor, tt.id, tt.params)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestRecord_OutOfRangeConsumableLeavesCountersIntact(t *testing.T) {
	f := newFixture(t, &models.Tenant{APICallsLimit: 1000}, defaultOptions(), nil)
	ctx := context.Background()
	inst := f.instance(t, "api", 0, models.InstanceStatusActive)
	f.agg.Start(ctx)

	_, err := f.agg.Record(ctx, f.actor, inst.ID, metering.RecordParams{Name: "api_calls", Value: 40})
	require.NoError(t, err)
	for _, v := range []float64{-40, 1e19, 1e19} {
		_, err := f.agg.Record(ctx, f.actor, inst.ID, metering.RecordParams{Name: "api_calls", Value: v})
		require.Error(t, err)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	}
	f.agg.Close()

	assert.Equal(t, int64(40), f.get(t, inst.ID).CurrentUsage)
	tenant, err := f.store.GetTenant(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), tenant.CurrentAPICalls)

	recent, err := f.store.ListRecentMetrics(ctx, f.tenant.ID, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestRecord_NegativeNonConsumableAccepted(t *testing.T) {
	f := newFixture(t, &models.Tenant{}, defaultOptions(), nil)
	inst := f.instance(t, "thermo", 0, models.InstanceStatusActive)

	m, err := f.agg.Record(context.Background(), f.actor, inst.ID, metering.RecordParams{Name: "temperature_c", Value: -12.5})
	require.NoError(t, err)
	assert.Equal(t, -12.5, m.Value)
}
