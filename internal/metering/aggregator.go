// Package metering records instance usage samples, feeds consumable usage
// back into the quota ledger, and serves tenant dashboard statistics.
package metering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/controlplane/internal/apperr"
	"github.com/kiranshivaraju/controlplane/internal/audit"
	"github.com/kiranshivaraju/controlplane/internal/cache"
	"github.com/kiranshivaraju/controlplane/internal/quota"
	"github.com/kiranshivaraju/controlplane/internal/retry"
	"github.com/kiranshivaraju/controlplane/internal/store"
	"github.com/kiranshivaraju/controlplane/pkg/models"
	"golang.org/x/sync/singleflight"
)

// ActionOverQuota is audited when metering pushes an instance past its usage quota.
const ActionOverQuota = "instance.over_quota"

const (
	maxMetricNameLength = 100
	maxUnitLength       = 32

	// maxConsumableValue is 2^63, the first float64 that does not fit in an int64.
	maxConsumableValue = float64(math.MaxInt64)
)

// usageKind says which counter a metric feeds.
type usageKind int

const (
	usageNone usageKind = iota
	usageInstance
	usageStorage
)

func usageKindOf(metric string) usageKind {
	switch metric {
	case "api_calls", "apiCalls", "requests":
		return usageInstance
	case "storage", "storage_bytes":
		return usageStorage
	}
	return usageNone
}

// RecordParams describe one sample. Value is a delta for consumable metrics.
type RecordParams struct {
	Name  string
	Value float64
	Unit  string
	Tags  json.RawMessage
}

// Options size the adjustment pool and the dashboard.
type Options struct {
	Workers       int
	QueueSize     int
	RecentMetrics int
	CacheTTL      time.Duration
}

type adjustment struct {
	tenantID   uuid.UUID
	instanceID uuid.UUID
	kind       usageKind
	delta      int64
}

// Aggregator persists samples synchronously and applies usage adjustments
// on a bounded worker pool. Adjustments that do not fit in the queue are
// dropped with a warning.
type Aggregator struct {
	store    store.Store
	ledger   *quota.Ledger
	recorder *audit.Recorder
	cache    cache.Cache
	policy   retry.Policy
	logger   *slog.Logger
	opts     Options
	now      func() time.Time

	queue     chan adjustment
	stop      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	group     singleflight.Group

	generations sync.Map
}

// NewAggregator creates an Aggregator. Call Start to begin applying adjustments.
func NewAggregator(s store.Store, ledger *quota.Ledger, recorder *audit.Recorder, c cache.Cache, policy retry.Policy, logger *slog.Logger, opts Options) *Aggregator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.RecentMetrics <= 0 {
		opts.RecentMetrics = 10
	}
	return &Aggregator{
		store:    s,
		ledger:   ledger,
		recorder: recorder,
		cache:    c,
		policy:   policy,
		logger:   logger,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		queue:    make(chan adjustment, opts.QueueSize),
		stop:     make(chan struct{}),
	}
}

// Start launches the worker pool. It is safe to call more than once.
func (a *Aggregator) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		for range a.opts.Workers {
			a.wg.Add(1)
			go a.worker(ctx)
		}
		a.logger.Info("metering workers started", "workers", a.opts.Workers, "queue_size", a.opts.QueueSize)
	})
}

// Close stops the workers after the queued adjustments are applied.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		close(a.stop)
		a.wg.Wait()
	})
}

// Record stores a sample for one of the actor's instances. The sample is
// durable when Record returns; the usage adjustment it triggers is not.
func (a *Aggregator) Record(ctx context.Context, actor models.Actor, instanceID uuid.UUID, p RecordParams) (*models.ServiceMetric, error) {
	if err := validateParams(p); err != nil {
		return nil, err
	}

	inst, err := retry.Do(ctx, a.policy, func() (*models.ServiceInstance, error) {
		return a.store.GetInstance(ctx, instanceID)
	})
	if errors.Is(err, store.ErrNotFound) || (err == nil && inst.TenantID != actor.TenantID) {
		return nil, apperr.New(apperr.KindNotFound, "instance not found")
	}
	if err != nil {
		return nil, err
	}
	if inst.Status == models.InstanceStatusDeleted {
		return nil, apperr.Validation("metrics cannot be recorded for a deleted instance", nil)
	}

	metric := &models.ServiceMetric{
		ID:         uuid.New(),
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		Name:       strings.TrimSpace(p.Name),
		Value:      p.Value,
		Unit:       strings.TrimSpace(p.Unit),
		Tags:       p.Tags,
		RecordedAt: a.now(),
	}
	if err := retry.Exec(ctx, a.policy, func() error {
		return a.store.CreateMetric(ctx, metric)
	}); err != nil {
		return nil, fmt.Errorf("store metric: %w", err)
	}
	a.invalidate(ctx, inst.TenantID)

	if kind := usageKindOf(metric.Name); kind != usageNone {
		delta := int64(math.Round(metric.Value))
		if delta != 0 {
			a.enqueue(adjustment{tenantID: inst.TenantID, instanceID: inst.ID, kind: kind, delta: delta})
		}
	}
	return metric, nil
}

func (a *Aggregator) enqueue(adj adjustment) {
	select {
	case a.queue <- adj:
	default:
		a.logger.Warn("usage adjustment queue full, dropping adjustment",
			"tenant_id", adj.tenantID,
			"instance_id", adj.instanceID,
			"delta", adj.delta,
		)
	}
}

func (a *Aggregator) worker(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-a.stop:
			a.drain(ctx)
			return
		case <-ctx.Done():
			return
		case adj := <-a.queue:
			a.apply(ctx, adj)
		}
	}
}

// drain applies whatever is still queued at shutdown.
func (a *Aggregator) drain(ctx context.Context) {
	for {
		select {
		case adj := <-a.queue:
			a.apply(ctx, adj)
		default:
			return
		}
	}
}

func (a *Aggregator) apply(ctx context.Context, adj adjustment) {
	switch adj.kind {
	case usageInstance:
		res, err := a.ledger.AdjustUsage(ctx, adj.instanceID, adj.delta)
		if err != nil {
			a.logger.Warn("apply instance usage failed",
				"tenant_id", adj.tenantID, "instance_id", adj.instanceID, "error", err)
			return
		}
		if res.BecameOverQuota {
			_, _ = a.recorder.Record(ctx, audit.Entry{
				Actor:      models.SystemActor(adj.tenantID),
				Action:     ActionOverQuota,
				EntityType: audit.EntityInstance,
				EntityID:   adj.instanceID,
				New: map[string]any{
					"current_usage": res.Instance.CurrentUsage,
					"usage_quota":   res.Instance.UsageQuota,
				},
				Severity: models.SeverityWarning,
			})
		}
	case usageStorage:
		if _, err := a.ledger.AdjustTenantUsage(ctx, adj.tenantID, models.ResourceStorage, adj.delta); err != nil {
			a.logger.Warn("apply storage usage failed", "tenant_id", adj.tenantID, "error", err)
			return
		}
	}
	a.invalidate(ctx, adj.tenantID)
}

func (a *Aggregator) generation(tenantID uuid.UUID) *atomic.Int64 {
	v, _ := a.generations.LoadOrStore(tenantID, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func (a *Aggregator) invalidate(ctx context.Context, tenantID uuid.UUID) {
	a.generation(tenantID).Add(1)
	if err := a.cache.Delete(ctx, cache.DashboardKey(tenantID)); err != nil {
		a.logger.Warn("invalidate dashboard cache failed", "tenant_id", tenantID, "error", err)
	}
}

func validateParams(p RecordParams) error {
	name := strings.TrimSpace(p.Name)
	switch {
	case name == "":
		return apperr.Validation("metric name is required", nil)
	case len(name) > maxMetricNameLength:
		return apperr.Validation(fmt.Sprintf("metric name must be at most %d characters", maxMetricNameLength), nil)
	case len(p.Unit) > maxUnitLength:
		return apperr.Validation(fmt.Sprintf("unit must be at most %d characters", maxUnitLength), nil)
	case math.IsNaN(p.Value) || math.IsInf(p.Value, 0):
		return apperr.Validation("metric value must be a finite number", nil)
	case usageKindOf(name) != usageNone && (p.Value < 0 || math.Round(p.Value) >= maxConsumableValue):
		return apperr.Validation(fmt.Sprintf("%s value must be a non-negative delta below %.0f", name, maxConsumableValue), nil)
	}
	if len(p.Tags) > 0 {
		var tags map[string]any
		if err := json.Unmarshal(p.Tags, &tags); err != nil {
			return apperr.Validation("tags must be a JSON object", nil)
		}
	}
	return nil
}
