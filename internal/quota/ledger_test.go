package quota_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/controlplane/internal/apperr"
	"github.com/kiranshivaraju/controlplane/internal/audit"
	"github.com/kiranshivaraju/controlplane/internal/quota"
	"github.com/kiranshivaraju/controlplane/internal/retry"
	"github.com/kiranshivaraju/controlplane/internal/store"
	"github.com/kiranshivaraju/controlplane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *store.MemoryStore
	recorder *audit.Recorder
	ledger   *quota.Ledger
}

func newFixture(t *testing.T, grace time.Duration) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy := retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond}
	s := store.NewMemoryStore()
	rec := audit.NewRecorder(s, policy, logger)
	return &fixture{store: s, recorder: rec, ledger: quota.NewLedger(s, rec, policy, grace, logger)}
}

func (f *fixture) tenant(t *testing.T, users, storage, apiCalls, instances int64) *models.Tenant {
	t.Helper()
	ts := time.Now().UTC()
	tenant := &models.Tenant{
		ID: uuid.New(), Name: "acme", Plan: models.PlanBasic,
		UserLimit: users, StorageLimit: storage, APICallsLimit: apiCalls, InstanceLimit: instances,
		Active: true, CreatedAt: ts, UpdatedAt: ts,
	}
	require.NoError(t, f.store.CreateTenant(context.Background(), tenant))
	return tenant
}

func TestReserve_ExceedingLimitFails(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	tenant := f.tenant(t, 5, 0, 0, 0)

	_, err := f.ledger.Reserve(ctx, tenant.ID, models.ResourceUsers, 5, nil)
	require.NoError(t, err)

	_, err = f.ledger.Reserve(ctx, tenant.ID, models.ResourceUsers, 1, nil)
	assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)
	assert.Equal(t, map[string]any{"resource": models.ResourceUsers}, apperr.DetailsOf(err))
}

func TestReserve_Validation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	tenant := f.tenant(t, 0, 0, 0, 0)

	_, err := f.ledger.Reserve(ctx, tenant.ID, "gpus", 1, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.ledger.Reserve(ctx, tenant.ID, models.ResourceUsers, 0, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.ledger.Reserve(ctx, uuid.New(), models.ResourceUsers, 1, nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReserve_DeactivatedTenant(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	tenant := f.tenant(t, 0, 0, 0, 0)
	_, err := f.ledger.DeactivateTenant(ctx, tenant.ID)
	require.NoError(t, err)

	_, err = f.ledger.Reserve(ctx, tenant.ID, models.ResourceInstances, 1, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestReserve_ConcurrentNeverExceedsLimit(t *testing.T) {
	f := newFixture(t, 0)
	tenant := f.tenant(t, 0, 0, 0, 3)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ledger.Reserve(context.Background(), tenant.ID, models.ResourceInstances, 1, nil); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), wins.Load())
	got, err := f.ledger.Tenant(context.Background(), tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.CurrentInstances)
}

func TestRelease_ReturnsAmountOnce(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	tenant := f.tenant(t, 0, 0, 0, 2)

	res, err := f.ledger.Reserve(ctx, tenant.ID, models.ResourceInstances, 2, nil)
	require.NoError(t, err)

	_, released, err := f.ledger.Release(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, released)

	_, released, err = f.ledger.Release(ctx, res.ID)
	require.NoError(t, err)
	assert.False(t, released)

	headroom, err := f.ledger.Headroom(ctx, tenant.ID, models.ResourceInstances)
	require.NoError(t, err)
	assert.Equal(t, int64(2), headroom)

	_, _, err = f.ledger.Release(ctx, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestHeadroom(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	tenant := f.tenant(t, 5, 0, 0, 0)

	_, err := f.ledger.Reserve(ctx, tenant.ID, models.ResourceUsers, 3, nil)
	require.NoError(t, err)

	h, err := f.ledger.Headroom(ctx, tenant.ID, models.ResourceUsers)
	require.NoError(t, err)
	assert.Equal(t, int64(2), h)

	h, err = f.ledger.Headroom(ctx, tenant.ID, models.ResourceStorage)
	require.NoError(t, err)
	assert.Equal(t, quota.Unbounded, h)
}

func TestAdjustTenantUsage_SoftOnly(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	tenant := f.tenant(t, 5, 100, 0, 0)

	_, err := f.ledger.AdjustTenantUsage(ctx, tenant.ID, models.ResourceUsers, 1)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	got, err := f.ledger.AdjustTenantUsage(ctx, tenant.ID, models.ResourceStorage, 101)
	require.NoError(t, err)
	assert.True(t, got.OverQuota)
	assert.Equal(t, int64(101), got.CurrentStorage)
}

func TestAdjustUsage_UnknownInstance(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.ledger.AdjustUsage(context.Background(), uuid.New(), 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAllocate_AuditsSuccessAndDenial(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	tenant := f.tenant(t, 1, 0, 0, 0)
	actor := models.Actor{TenantID: tenant.ID}

	res, err := f.ledger.Allocate(ctx, actor, models.ResourceUsers, 1, nil)
	require.NoError(t, err)

	_, err = f.ledger.Allocate(ctx, actor, models.ResourceUsers, 1, nil)
	assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)

	_, err = f.ledger.Deallocate(ctx, actor, res.ID)
	require.NoError(t, err)
	// A second release is a no-op and writes nothing.
	_, err = f.ledger.Deallocate(ctx, actor, res.ID)
	require.NoError(t, err)

	entries, total, err := f.recorder.Query(ctx, audit.Filter{TenantID: tenant.ID, Order: "asc"})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	assert.Equal(t, "quota.allocate", entries[0].Action)
	assert.Equal(t, models.SeverityInfo, entries[0].Severity)
	assert.Equal(t, "quota.allocate_denied", entries[1].Action)
	assert.Equal(t, models.SeverityWarning, entries[1].Severity)
	assert.Equal(t, "quota.release", entries[2].Action)
}

func TestDeallocate_OtherTenantsReservationIsNotFound(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	owner := f.tenant(t, 0, 0, 0, 0)
	other := f.tenant(t, 0, 0, 0, 0)

	res, err := f.ledger.Allocate(ctx, models.Actor{TenantID: owner.ID}, models.ResourceUsers, 1, nil)
	require.NoError(t, err)

	_, err = f.ledger.Deallocate(ctx, models.Actor{TenantID: other.ID}, res.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestGraceExpired(t *testing.T) {
	f := newFixture(t, time.Hour)
	now := time.Now()
	since := now.Add(-2 * time.Hour)

	assert.True(t, f.ledger.GraceExpired(&models.Tenant{OverQuota: true, OverQuotaSince: &since}, now))
	recent := now.Add(-time.Minute)
	assert.False(t, f.ledger.GraceExpired(&models.Tenant{OverQuota: true, OverQuotaSince: &recent}, now))
	assert.False(t, f.ledger.GraceExpired(&models.Tenant{}, now))

	noGrace := newFixture(t, 0)
	assert.False(t, noGrace.ledger.GraceExpired(&models.Tenant{OverQuota: true, OverQuotaSince: &since}, now))
}
