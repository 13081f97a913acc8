// Package audit records append-only audit entries for state-changing actions.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/controlplane/internal/apperr"
	"github.com/kiranshivaraju/controlplane/internal/retry"
	"github.com/kiranshivaraju/controlplane/internal/store"
	"github.com/kiranshivaraju/controlplane/pkg/models"
)

// Entity types written by the engine.
const (
	EntityInstance    = "service_instance"
	EntityTenant      = "tenant"
	EntityReservation = "quota_reservation"
	EntityAPIKey      = "api_key"
)

// Entry describes one auditable action. Old and New are snapshots that are
// marshaled to JSON; nil means no snapshot.
type Entry struct {
	Actor      models.Actor
	Action     string
	EntityType string
	EntityID   uuid.UUID
	Old        any
	New        any
	Severity   models.Severity
}

// Filter selects audit entries for one tenant.
type Filter struct {
	TenantID   uuid.UUID
	EntityType string
	EntityID   *uuid.UUID
	UserID     *uuid.UUID
	Severity   models.Severity
	From       time.Time
	To         time.Time
	Order      string
	Page       int
	Limit      int
}

// Recorder appends audit entries with non-decreasing timestamps.
type Recorder struct {
	store  store.Store
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewRecorder creates a Recorder writing to s.
func NewRecorder(s store.Store, policy retry.Policy, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  s,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the recorder's time source. Intended for tests.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record appends e. A write that still fails after retries is logged at error
// level and returned to the caller.
func (r *Recorder) Record(ctx context.Context, e Entry) (*models.AuditLog, error) {
	severity := e.Severity
	if severity == "" {
		severity = models.SeverityInfo
	}
	if !severity.IsValid() {
		return nil, apperr.Validation(fmt.Sprintf("unknown severity %q", severity), nil)
	}

	oldValues, err := snapshot(e.Old)
	if err != nil {
		return nil, fmt.Errorf("encode old values: %w", err)
	}
	newValues, err := snapshot(e.New)
	if err != nil {
		return nil, fmt.Errorf("encode new values: %w", err)
	}

	entry := &models.AuditLog{
		ID:         uuid.New(),
		TenantID:   e.Actor.TenantID,
		UserID:     e.Actor.UserID,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		OldValues:  oldValues,
		NewValues:  newValues,
		IPAddress:  e.Actor.IPAddress,
		UserAgent:  e.Actor.UserAgent,
		Severity:   severity,
		CreatedAt:  r.timestamp(),
	}

	err = retry.Exec(ctx, r.policy, func() error {
		return r.store.AppendAuditLog(ctx, entry)
	})
	if err != nil {
		r.logger.Error("audit append failed",
			"tenant_id", entry.TenantID,
			"action", entry.Action,
			"entity_type", entry.EntityType,
			"entity_id", entry.EntityID,
			"error", err,
		)
		return nil, err
	}
	return entry, nil
}

// Query returns entries matching f, newest first unless f.Order is "asc".
func (r *Recorder) Query(ctx context.Context, f Filter) ([]*models.AuditLog, int, error) {
	if f.TenantID == uuid.Nil {
		return nil, 0, apperr.Validation("tenant is required", nil)
	}
	var ascending bool
	switch f.Order {
	case "", "desc":
	case "asc":
		ascending = true
	default:
		return nil, 0, apperr.Validation("order must be asc or desc", nil)
	}
	if f.Severity != "" && !f.Severity.IsValid() {
		return nil, 0, apperr.Validation(fmt.Sprintf("unknown severity %q", f.Severity), nil)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, 0, apperr.Validation("to must not be before from", nil)
	}

	type page struct {
		entries []*models.AuditLog
		total   int
	}
	p, err := retry.Do(ctx, r.policy, func() (page, error) {
		entries, total, err := r.store.ListAuditLogs(ctx, store.AuditFilter{
			TenantID:   f.TenantID,
			EntityType: f.EntityType,
			EntityID:   f.EntityID,
			UserID:     f.UserID,
			Severity:   f.Severity,
			From:       f.From,
			To:         f.To,
			Ascending:  ascending,
			Page:       f.Page,
			Limit:      f.Limit,
		})
		return page{entries: entries, total: total}, err
	})
	if err != nil {
		return nil, 0, err
	}
	if p.entries == nil {
		p.entries = []*models.AuditLog{}
	}
	return p.entries, p.total, nil
}

// timestamp returns the current time, never earlier than the previous call.
// Truncated to microseconds to match Postgres precision.
func (r *Recorder) timestamp() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.now().UTC().Truncate(time.Microsecond)
	if ts.Before(r.last) {
		ts = r.last
	}
	r.last = ts
	return ts
}

func snapshot(v any) (json.RawMessage, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return s, nil
	}
	return json.Marshal(v)
}
