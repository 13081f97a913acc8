package store

import (
	"math"
	"time"

	"github.com/kiranshivaraju/controlplane/pkg/models"
)

// applyTenantUsage adds delta to a soft counter and refreshes the over-quota flag.
func applyTenantUsage(t *models.Tenant, r models.Resource, delta int64, now time.Time) {
	t.SetCurrent(r, addSaturating(t.Current(r), delta))
	refreshOverQuota(t, now)
	t.UpdatedAt = now
}

func refreshOverQuota(t *models.Tenant, now time.Time) {
	over := t.ExceedsSoftLimits()
	switch {
	case over && !t.OverQuota:
		t.OverQuota = true
		since := now
		t.OverQuotaSince = &since
	case !over:
		t.OverQuota = false
		t.OverQuotaSince = nil
	}
}

// applyInstanceUsage adds delta to an active instance and reports whether it
// crossed its usage quota. The instance stays active either way.
func applyInstanceUsage(inst *models.ServiceInstance, delta int64, now time.Time) bool {
	wasOver := inst.OverQuota
	inst.CurrentUsage = addSaturating(inst.CurrentUsage, delta)
	if inst.CurrentUsage < 0 {
		inst.CurrentUsage = 0
	}
	inst.OverQuota = inst.UsageQuota > 0 && inst.CurrentUsage > inst.UsageQuota
	inst.LastAccessedAt = &now
	inst.UpdatedAt = now
	return inst.OverQuota && !wasOver
}

// addSaturating returns a+b pinned to the int64 range instead of wrapping.
func addSaturating(a, b int64) int64 {
	switch {
	case b > 0 && a > math.MaxInt64-b:
		return math.MaxInt64
	case b < 0 && a < math.MinInt64-b:
		return math.MinInt64
	}
	return a + b
}

// checkHeadroom reports whether amount more units of r fit under the tenant's limit.
func checkHeadroom(t *models.Tenant, r models.Resource, amount int64) bool {
	limit := t.Limit(r)
	return limit <= 0 || addSaturating(t.Current(r), amount) <= limit
}
