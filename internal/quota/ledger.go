// Package quota owns tenant resource counters: reservations against hard
// limits and metered adjustments of soft ones.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/controlplane/internal/apperr"
	"github.com/kiranshivaraju/controlplane/internal/audit"
	"github.com/kiranshivaraju/controlplane/internal/retry"
	"github.com/kiranshivaraju/controlplane/internal/store"
	"github.com/kiranshivaraju/controlplane/pkg/models"
)

// Unbounded is the headroom reported for a resource with no limit.
const Unbounded int64 = -1

// Ledger performs atomic check-and-increment operations on tenant counters.
// Every read-modify-write is serialized per tenant by the store.
type Ledger struct {
	store       store.Store
	recorder    *audit.Recorder
	policy      retry.Policy
	gracePeriod time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewLedger creates a Ledger.
func NewLedger(s store.Store, recorder *audit.Recorder, policy retry.Policy, gracePeriod time.Duration, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:       s,
		recorder:    recorder,
		policy:      policy,
		gracePeriod: gracePeriod,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Reserve atomically checks headroom and increments the tenant counter for
// resource by amount. The returned reservation's ID is the release token.
func (l *Ledger) Reserve(ctx context.Context, tenantID uuid.UUID, resource models.Resource, amount int64, holderID *uuid.UUID) (*models.Reservation, error) {
	if !resource.IsValid() {
		return nil, apperr.Validation(fmt.Sprintf("unknown resource %q", resource), nil)
	}
	if amount <= 0 {
		return nil, apperr.Validation("amount must be positive", nil)
	}

	params := store.ReserveParams{
		ID:       uuid.New(),
		TenantID: tenantID,
		Resource: resource,
		Amount:   amount,
		HolderID: holderID,
		Now:      l.now(),
	}
	res, err := retry.Do(ctx, l.policy, func() (*models.Reservation, error) {
		return l.store.ReserveQuota(ctx, params)
	})
	if err != nil {
		return nil, mapStoreError(err, resource)
	}
	return res, nil
}

// Release returns a reservation's amount to the tenant. Releasing an already
// released reservation is a no-op and reports false.
func (l *Ledger) Release(ctx context.Context, reservationID uuid.UUID) (*models.Reservation, bool, error) {
	type result struct {
		res      *models.Reservation
		released bool
	}
	out, err := retry.Do(ctx, l.policy, func() (result, error) {
		res, released, err := l.store.ReleaseQuota(ctx, reservationID, l.now())
		return result{res: res, released: released}, err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, apperr.New(apperr.KindNotFound, "reservation not found")
		}
		return nil, false, err
	}
	return out.res, out.released, nil
}

// AdjustUsage applies a metered delta to an active instance and rolls it into
// the tenant's API call counter. Exceeding the instance quota flags the
// instance but never suspends it.
func (l *Ledger) AdjustUsage(ctx context.Context, instanceID uuid.UUID, delta int64) (*store.UsageAdjustment, error) {
	adj, err := retry.Do(ctx, l.policy, func() (*store.UsageAdjustment, error) {
		return l.store.AdjustInstanceUsage(ctx, instanceID, delta, l.now())
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "instance not found")
		}
		return nil, err
	}
	if adj.BecameOverQuota {
		l.logger.Warn("instance over usage quota",
			"tenant_id", adj.Instance.TenantID,
			"instance_id", adj.Instance.ID,
			"current_usage", adj.Instance.CurrentUsage,
			"usage_quota", adj.Instance.UsageQuota,
		)
	}
	return adj, nil
}

// AdjustTenantUsage applies a metered delta to a soft tenant resource and
// sets or clears the tenant's over-quota flag.
func (l *Ledger) AdjustTenantUsage(ctx context.Context, tenantID uuid.UUID, resource models.Resource, delta int64) (*models.Tenant, error) {
	if !resource.IsSoft() {
		return nil, apperr.Validation(fmt.Sprintf("resource %q is only changed through reservations", resource), nil)
	}
	t, err := retry.Do(ctx, l.policy, func() (*models.Tenant, error) {
		return l.store.AdjustTenantUsage(ctx, tenantID, resource, delta, l.now())
	})
	if err != nil {
		return nil, mapStoreError(err, resource)
	}
	return t, nil
}

// Headroom returns how many more units of resource the tenant may reserve,
// or Unbounded when the limit is zero.
func (l *Ledger) Headroom(ctx context.Context, tenantID uuid.UUID, resource models.Resource) (int64, error) {
	if !resource.IsValid() {
		return 0, apperr.Validation(fmt.Sprintf("unknown resource %q", resource), nil)
	}
	t, err := l.Tenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	limit := t.Limit(resource)
	if limit <= 0 {
		return Unbounded, nil
	}
	return max(limit-t.Current(resource), 0), nil
}

// Tenant loads the tenant with its counters.
func (l *Ledger) Tenant(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error) {
	t, err := retry.Do(ctx, l.policy, func() (*models.Tenant, error) {
		return l.store.GetTenant(ctx, tenantID)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "tenant not found")
		}
		return nil, err
	}
	return t, nil
}

// DeactivateTenant marks the tenant inactive and suspends its live instances
// in one step. Counters are retained.
func (l *Ledger) DeactivateTenant(ctx context.Context, tenantID uuid.UUID) (*store.TenantDeactivation, error) {
	out, err := retry.Do(ctx, l.policy, func() (*store.TenantDeactivation, error) {
		return l.store.DeactivateTenant(ctx, tenantID, l.now())
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "tenant not found")
		}
		return nil, err
	}
	return out, nil
}

// Allocate reserves on behalf of an external caller and audits the outcome.
func (l *Ledger) Allocate(ctx context.Context, actor models.Actor, resource models.Resource, amount int64, holderID *uuid.UUID) (*models.Reservation, error) {
	res, err := l.Reserve(ctx, actor.TenantID, resource, amount, holderID)
	if err != nil {
		if errors.Is(err, apperr.ErrQuotaExceeded) || errors.Is(err, apperr.ErrValidation) {
			l.record(ctx, audit.Entry{
				Actor:      actor,
				Action:     "quota.allocate_denied",
				EntityType: audit.EntityTenant,
				EntityID:   actor.TenantID,
				New:        map[string]any{"resource": resource, "amount": amount, "error": apperr.MessageOf(err)},
				Severity:   models.SeverityWarning,
			})
		}
		return nil, err
	}
	l.record(ctx, audit.Entry{
		Actor:      actor,
		Action:     "quota.allocate",
		EntityType: audit.EntityReservation,
		EntityID:   res.ID,
		New:        res,
	})
	return res, nil
}

// Deallocate releases a reservation owned by the actor's tenant.
func (l *Ledger) Deallocate(ctx context.Context, actor models.Actor, reservationID uuid.UUID) (*models.Reservation, error) {
	existing, err := retry.Do(ctx, l.policy, func() (*models.Reservation, error) {
		return l.store.GetReservation(ctx, reservationID)
	})
	if errors.Is(err, store.ErrNotFound) || (err == nil && existing.TenantID != actor.TenantID) {
		return nil, apperr.New(apperr.KindNotFound, "reservation not found")
	}
	if err != nil {
		return nil, err
	}

	res, released, err := l.Release(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if released {
		l.record(ctx, audit.Entry{
			Actor:      actor,
			Action:     "quota.release",
			EntityType: audit.EntityReservation,
			EntityID:   res.ID,
			Old:        existing,
			New:        res,
		})
	}
	return res, nil
}

// GraceExpired reports whether t has been over a soft quota for longer than
// the configured grace period. A zero grace period never expires.
func (l *Ledger) GraceExpired(t *models.Tenant, now time.Time) bool {
	if l.gracePeriod <= 0 || !t.OverQuota || t.OverQuotaSince == nil {
		return false
	}
	return now.Sub(*t.OverQuotaSince) > l.gracePeriod
}

func (l *Ledger) record(ctx context.Context, e audit.Entry) {
	// Record logs its own failures.
	_, _ = l.recorder.Record(ctx, e)
}

func mapStoreError(err error, resource models.Resource) error {
	switch {
	case errors.Is(err, store.ErrQuotaExceeded):
		return &apperr.Error{
			Kind:    apperr.KindQuotaExceeded,
			Message: fmt.Sprintf("%s quota exceeded", resource),
			Details: map[string]any{"resource": resource},
		}
	case errors.Is(err, store.ErrTenantInactive):
		return apperr.Validation("tenant is deactivated", nil)
	case errors.Is(err, store.ErrNotFound):
		return apperr.New(apperr.KindNotFound, "tenant not found")
	}
	return err
}
