package metering

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/controlplane/internal/cache"
	"github.com/kiranshivaraju/controlplane/internal/retry"
	"github.com/kiranshivaraju/controlplane/pkg/models"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Stats is a tenant's usage summary.
type Stats struct {
	TotalUsers           int64                   `json:"total_users"`
	ActiveServices       int                     `json:"active_services"`
	TotalStorage         int64                   `json:"total_storage"`
	TotalAPICalls        int64                   `json:"total_api_calls"`
	StorageUsagePercent  float64                 `json:"storage_usage_percent"`
	APICallsUsagePercent float64                 `json:"api_calls_usage_percent"`
	RecentMetrics        []*models.ServiceMetric `json:"recent_metrics"`
	OverQuota            bool                    `json:"over_quota"`
	GraceExpired         bool                    `json:"grace_expired"`
	GeneratedAt          time.Time               `json:"generated_at"`
}

// UsagePercent returns current as a percentage of limit, rounded to two
// decimals and capped at 100. A zero limit is unbounded and reports 0.
func UsagePercent(current, limit int64) float64 {
	if limit <= 0 || current <= 0 {
		return 0
	}
	p := decimal.NewFromInt(current).Mul(hundred).Div(decimal.NewFromInt(limit)).Round(2)
	if p.GreaterThan(hundred) {
		p = hundred
	}
	return p.InexactFloat64()
}

// DashboardStats returns the tenant's usage summary. Concurrent calls for
// one tenant share a single computation and the result is cached until the
// next recorded sample or the cache TTL.
func (a *Aggregator) DashboardStats(ctx context.Context, tenantID uuid.UUID) (*Stats, error) {
	key := cache.DashboardKey(tenantID)
	if raw, ok, err := a.cache.Get(ctx, key); err == nil && ok {
		var stats Stats
		if err := json.Unmarshal(raw, &stats); err == nil {
			return &stats, nil
		}
	}

	v, err, _ := a.group.Do(tenantID.String(), func() (any, error) {
		gen := a.generation(tenantID).Load()
		stats, err := a.computeStats(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		// A sample that landed mid-computation invalidated this result.
		if a.opts.CacheTTL > 0 && a.generation(tenantID).Load() == gen {
			if raw, err := json.Marshal(stats); err == nil {
				if err := a.cache.Set(ctx, key, raw, a.opts.CacheTTL); err != nil {
					a.logger.Warn("cache dashboard stats failed", "tenant_id", tenantID, "error", err)
				} else if a.generation(tenantID).Load() != gen {
					_ = a.cache.Delete(ctx, key)
				}
			}
		}
		return stats, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Stats), nil
}

func (a *Aggregator) computeStats(ctx context.Context, tenantID uuid.UUID) (*Stats, error) {
	tenant, err := a.ledger.Tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	active, err := retry.Do(ctx, a.policy, func() (int, error) {
		return a.store.CountInstances(ctx, tenantID, models.InstanceStatusActive)
	})
	if err != nil {
		return nil, err
	}

	recent, err := retry.Do(ctx, a.policy, func() ([]*models.ServiceMetric, error) {
		return a.store.ListRecentMetrics(ctx, tenantID, a.opts.RecentMetrics)
	})
	if err != nil {
		return nil, err
	}
	if recent == nil {
		recent = []*models.ServiceMetric{}
	}

	now := a.now()
	return &Stats{
		TotalUsers:           tenant.CurrentUsers,
		ActiveServices:       active,
		TotalStorage:         tenant.CurrentStorage,
		TotalAPICalls:        tenant.CurrentAPICalls,
		StorageUsagePercent:  UsagePercent(tenant.CurrentStorage, tenant.StorageLimit),
		APICallsUsagePercent: UsagePercent(tenant.CurrentAPICalls, tenant.APICallsLimit),
		RecentMetrics:        recent,
		OverQuota:            tenant.OverQuota,
		GraceExpired:         a.ledger.GraceExpired(tenant, now),
		GeneratedAt:          now,
	}, nil
}
