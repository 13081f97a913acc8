package metering_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/controlplane/internal/apperr"
	"github.com/kiranshivaraju/controlplane/internal/metering"
	"github.com/kiranshivaraju/controlplane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsagePercent(t *testing.T) {
	tests := []struct {
		name           string
		current, limit int64
		want           float64
	}{
		{"zero limit is unbounded", 500, 0, 0},
		{"nothing used", 0, 100, 0},
		{"quarter", 25, 100, 25},
		{"rounded to two places", 1, 3, 33.33},
		{"capped at hundred", 150, 100, 100},
		{"exactly full", 100, 100, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, metering.UsagePercent(tt.current, tt.limit))
		})
	}
}

func TestDashboardStats(t *testing.T) {
	f := newFixture(t, &models.Tenant{StorageLimit: 1000, APICallsLimit: 0, UserLimit: 5}, defaultOptions(), nil)
	ctx := context.Background()
	active := f.instance(t, "a", 0, models.InstanceStatusActive)
	f.instance(t, "b", 0, models.InstanceStatusSuspended)
	f.agg.Start(ctx)

	_, err := f.ledger.Reserve(ctx, f.tenant.ID, models.ResourceUsers, 2, nil)
	require.NoError(t, err)

	for i, name := range []string{"storage", "api_calls", "latency_ms"} {
		_, err := f.agg.Record(ctx, f.actor, active.ID, metering.RecordParams{Name: name, Value: float64(250 * (i + 1))})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	f.agg.Close()

	stats, err := f.agg.DashboardStats(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalUsers)
	assert.Equal(t, 1, stats.ActiveServices)
	assert.Equal(t, int64(250), stats.TotalStorage)
	assert.Equal(t, int64(500), stats.TotalAPICalls)
	assert.Equal(t, 25.0, stats.StorageUsagePercent)
	assert.Equal(t, 0.0, stats.APICallsUsagePercent)
	assert.False(t, stats.OverQuota)
	assert.False(t, stats.GraceExpired)

	require.Len(t, stats.RecentMetrics, 3)
	assert.Equal(t, "latency_ms", stats.RecentMetrics[0].Name)
	assert.Equal(t, "storage", stats.RecentMetrics[2].Name)
}

func TestDashboardStats_CachedUntilNextSample(t *testing.T) {
	f := newFixture(t, &models.Tenant{StorageLimit: 100}, defaultOptions(), nil)
	ctx := context.Background()
	inst := f.instance(t, "a", 0, models.InstanceStatusActive)

	first, err := f.agg.DashboardStats(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.Zero(t, first.TotalStorage)

	_, err = f.ledger.AdjustTenantUsage(ctx, f.tenant.ID, models.ResourceStorage, 40)
	require.NoError(t, err)

	cached, err := f.agg.DashboardStats(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.Zero(t, cached.TotalStorage)

	_, err = f.agg.Record(ctx, f.actor, inst.ID, metering.RecordParams{Name: "latency_ms", Value: 3})
	require.NoError(t, err)

	fresh, err := f.agg.DashboardStats(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), fresh.TotalStorage)
	assert.Equal(t, 40.0, fresh.StorageUsagePercent)
	assert.Len(t, fresh.RecentMetrics, 1)
}

func TestDashboardStats_ConcurrentCallersAgree(t *testing.T) {
	f := newFixture(t, &models.Tenant{}, defaultOptions(), nil)
	ctx := context.Background()
	f.instance(t, "a", 0, models.InstanceStatusActive)

	const callers = 16
	results := make([]*metering.Stats, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stats, err := f.agg.DashboardStats(ctx, f.tenant.ID)
			assert.NoError(t, err)
			results[i] = stats
		}(i)
	}
	wg.Wait()

	for _, s := range results {
		require.NotNil(t, s)
		assert.Equal(t, 1, s.ActiveServices)
		assert.NotNil(t, s.RecentMetrics)
	}
}

func TestDashboardStats_UnknownTenant(t *testing.T) {
	f := newFixture(t, &models.Tenant{}, defaultOptions(), nil)

	_, err := f.agg.DashboardStats(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
