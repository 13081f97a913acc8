// Package lifecycle drives service instances through their states, calling
// the quota ledger, credential issuer, provisioner, and audit recorder as each
// transition requires.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/controlplane/internal/apikey"
	"github.com/kiranshivaraju/controlplane/internal/apperr"
	"github.com/kiranshivaraju/controlplane/internal/audit"
	"github.com/kiranshivaraju/controlplane/internal/cache"
	"github.com/kiranshivaraju/controlplane/internal/provisioner"
	"github.com/kiranshivaraju/controlplane/internal/quota"
	"github.com/kiranshivaraju/controlplane/internal/retry"
	"github.com/kiranshivaraju/controlplane/internal/schema"
	"github.com/kiranshivaraju/controlplane/internal/store"
	"github.com/kiranshivaraju/controlplane/pkg/models"
)

// Audit actions written by the manager.
const (
	ActionCreate         = "instance.create"
	ActionCreateRejected = "instance.create_rejected"
	ActionCreateFailed   = "instance.create_failed"
	ActionUpdate         = "instance.update"
	ActionSuspend        = "instance.suspend"
	ActionResume         = "instance.resume"
	ActionDelete         = "instance.delete"
	ActionDeleteFailed   = "instance.delete_failed"
	ActionKeyIssue       = "api_key.issue"
	ActionKeyRevoke      = "api_key.revoke"
	ActionTenantDisable  = "tenant.deactivate"
)

const maxNameLength = 63

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Deps are the collaborators a Manager orchestrates.
type Deps struct {
	Store       store.Store
	Ledger      *quota.Ledger
	Issuer      *apikey.Issuer
	Recorder    *audit.Recorder
	Validator   *schema.Validator
	Provisioner provisioner.Provisioner
	Cache       cache.Cache
	Retry       retry.Policy
	Logger      *slog.Logger
}

// Options bound the manager's external calls.
type Options struct {
	ProvisionerTimeout time.Duration
	IdempotencyTTL     time.Duration
}

// CreateParams are the caller-supplied fields of a new instance.
// An empty Configuration selects the definition's default.
type CreateParams struct {
	DefinitionID   uuid.UUID
	Name           string
	Configuration  json.RawMessage
	UsageQuota     int64
	IdempotencyKey string
}

// CreateResult is the outcome of Create. APIKey holds the plaintext
// credential and is empty when the result is replayed for a retried request.
type CreateResult struct {
	Instance *models.ServiceInstance
	APIKey   string
	Replayed bool
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Name          *string
	Configuration json.RawMessage
	Status        *models.InstanceStatus
	UsageQuota    *int64
}

// ListParams filters a tenant's instances.
type ListParams struct {
	Status       models.InstanceStatus
	DefinitionID *uuid.UUID
	Page         int
	Limit        int
}

// Manager is the instance state machine. Transitions on one instance are
// serialized in-process; a concurrent request for the same instance fails
// with Conflict, and the store's version check covers other processes.
type Manager struct {
	store       store.Store
	ledger      *quota.Ledger
	issuer      *apikey.Issuer
	recorder    *audit.Recorder
	validator   *schema.Validator
	provisioner provisioner.Provisioner
	cache       cache.Cache
	policy      retry.Policy
	logger      *slog.Logger
	opts        Options
	locks       *instanceLocks
	now         func() time.Time
}

// NewManager creates a Manager.
func NewManager(d Deps, opts Options) *Manager {
	return &Manager{
		store:       d.Store,
		ledger:      d.Ledger,
		issuer:      d.Issuer,
		recorder:    d.Recorder,
		validator:   d.Validator,
		provisioner: d.Provisioner,
		cache:       d.Cache,
		policy:      d.Retry,
		logger:      d.Logger,
		opts:        opts,
		locks:       newInstanceLocks(),
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

type idempotencyRecord struct {
	State      string    `json:"state"`
	InstanceID uuid.UUID `json:"instance_id,omitempty"`
}

const (
	idempotencyPending = "pending"
	idempotencyDone    = "done"
)

// Create provisions a new instance. A request repeated with the same
// idempotency key returns the instance created by the first one.
func (m *Manager) Create(ctx context.Context, actor models.Actor, p CreateParams) (*CreateResult, error) {
	if p.IdempotencyKey == "" {
		return m.create(ctx, actor, p)
	}

	key := cache.IdempotencyKey(actor.TenantID, ActionCreate, p.IdempotencyKey)
	pending, _ := json.Marshal(idempotencyRecord{State: idempotencyPending})
	claimed, err := m.cache.SetNX(ctx, key, pending, m.opts.IdempotencyTTL)
	if err != nil {
		m.logger.Warn("idempotency cache unavailable, proceeding without it",
			"tenant_id", actor.TenantID, "error", err)
		return m.create(ctx, actor, p)
	}
	if !claimed {
		return m.replay(ctx, actor, key)
	}

	res, err := m.create(ctx, actor, p)
	if err != nil {
		// Let the caller retry a failed request under the same key.
		if derr := m.cache.Delete(context.WithoutCancel(ctx), key); derr != nil {
			m.logger.Warn("clear idempotency key failed", "tenant_id", actor.TenantID, "error", derr)
		}
		return nil, err
	}
	done, _ := json.Marshal(idempotencyRecord{State: idempotencyDone, InstanceID: res.Instance.ID})
	if err := m.cache.Set(ctx, key, done, m.opts.IdempotencyTTL); err != nil {
		m.logger.Warn("store idempotency result failed", "tenant_id", actor.TenantID, "error", err)
	}
	return res, nil
}

func (m *Manager) replay(ctx context.Context, actor models.Actor, key string) (*CreateResult, error) {
	raw, ok, err := m.cache.Get(ctx, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, err, "idempotency cache unavailable")
	}
	var rec idempotencyRecord
	if ok {
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode idempotency record: %w", err)
		}
	}
	if rec.State != idempotencyDone {
		return nil, apperr.New(apperr.KindConflict, "a request with this idempotency key is already in progress")
	}
	inst, err := m.load(ctx, actor, rec.InstanceID)
	if err != nil {
		return nil, err
	}
	return &CreateResult{Instance: inst, Replayed: true}, nil
}

func (m *Manager) create(ctx context.Context, actor models.Actor, p CreateParams) (*CreateResult, error) {
	name := strings.TrimSpace(p.Name)
	def, config, err := m.prepareCreate(ctx, actor, name, p)
	if err != nil {
		m.auditRejected(ctx, actor, name, p.DefinitionID, err)
		return nil, err
	}

	instanceID := uuid.New()
	res, err := m.ledger.Reserve(ctx, actor.TenantID, models.ResourceInstances, 1, &instanceID)
	if err != nil {
		m.auditRejected(ctx, actor, name, p.DefinitionID, err)
		return nil, err
	}

	now := m.now()
	inst := &models.ServiceInstance{
		ID:            instanceID,
		TenantID:      actor.TenantID,
		DefinitionID:  def.ID,
		Name:          name,
		Configuration: config,
		Status:        models.InstanceStatusProvisioning,
		UsageQuota:    p.UsageQuota,
		ReservationID: &res.ID,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = retry.Exec(ctx, m.policy, func() error {
		return m.store.CreateInstance(ctx, inst)
	})
	if err != nil {
		m.releaseReservation(ctx, inst)
		if errors.Is(err, store.ErrDuplicateKey) {
			err = duplicateNameError(name)
		}
		m.auditRejected(ctx, actor, name, p.DefinitionID, err)
		return nil, err
	}

	issued, err := m.issuer.Issue(ctx, inst)
	if err != nil {
		return nil, m.failCreate(ctx, actor, inst, err)
	}
	inst.APIKeyPrefix = &issued.Key.KeyPrefix

	endpoint, err := m.assignEndpoint(ctx, inst)
	if err != nil {
		return nil, m.failCreate(ctx, actor, inst, err)
	}

	inst.EndpointURL = &endpoint
	inst.Status = models.InstanceStatusActive
	inst.UpdatedAt = m.now()
	if err := m.save(ctx, inst); err != nil {
		return nil, m.failCreate(ctx, actor, inst, err)
	}

	m.record(ctx, audit.Entry{
		Actor:      actor,
		Action:     ActionCreate,
		EntityType: audit.EntityInstance,
		EntityID:   inst.ID,
		New:        inst,
	})
	m.logger.Info("instance created", "tenant_id", inst.TenantID, "instance_id", inst.ID, "name", inst.Name)
	return &CreateResult{Instance: inst, APIKey: issued.Plaintext}, nil
}

// prepareCreate runs every check that precedes the reservation and returns
// the definition and the configuration to store.
func (m *Manager) prepareCreate(ctx context.Context, actor models.Actor, name string, p CreateParams) (*models.ServiceDefinition, json.RawMessage, error) {
	var violations []schema.Violation
	violations = append(violations, validateName(name)...)
	if p.DefinitionID == uuid.Nil {
		violations = append(violations, schema.Violation{Field: "definition_id", Message: "Is required"})
	}
	if p.UsageQuota < 0 {
		violations = append(violations, schema.Violation{Field: "usage_quota", Message: "Must be zero or greater"})
	}
	if len(violations) > 0 {
		return nil, nil, apperr.Validation("invalid instance request", violations)
	}

	def, err := m.definition(ctx, p.DefinitionID)
	if err != nil {
		return nil, nil, err
	}

	config := p.Configuration
	if isEmptyJSON(config) {
		config = def.DefaultConfig
		if isEmptyJSON(config) {
			config = json.RawMessage(`{}`)
		}
	}
	if err := m.validateConfig(def, config); err != nil {
		return nil, nil, err
	}

	if err := m.ensureNameFree(ctx, actor.TenantID, name, uuid.Nil); err != nil {
		return nil, nil, err
	}
	return def, config, nil
}

func (m *Manager) assignEndpoint(ctx context.Context, inst *models.ServiceInstance) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, m.opts.ProvisionerTimeout)
	defer cancel()

	endpoint, err := m.provisioner.AssignEndpoint(pctx, inst.Clone())
	switch {
	case err == nil && strings.TrimSpace(endpoint) == "":
		return "", apperr.Wrap(apperr.KindProvisionerError, provisioner.ErrInvalidResponse, "provisioner returned no endpoint")
	case err == nil:
		return endpoint, nil
	case errors.Is(err, provisioner.ErrProvisionerTimeout), errors.Is(err, context.DeadlineExceeded):
		return "", apperr.Wrap(apperr.KindProvisionerTimeout, err,
			fmt.Sprintf("provisioner did not respond within %s", m.opts.ProvisionerTimeout))
	}
	return "", apperr.Wrap(apperr.KindProvisionerError, err, "provisioner failed to assign an endpoint")
}

// failCreate compensates a create that failed after its reservation: the
// reservation is released, the credential revoked, and the record marked
// failed. It returns cause.
func (m *Manager) failCreate(ctx context.Context, actor models.Actor, inst *models.ServiceInstance, cause error) error {
	ctx = context.WithoutCancel(ctx)

	m.releaseReservation(ctx, inst)
	if _, err := m.issuer.Revoke(ctx, inst.ID); err != nil {
		m.logger.Error("revoke credential of failed instance", "instance_id", inst.ID, "error", err)
	}

	reason := apperr.MessageOf(cause)
	failed := inst.Clone()
	failed.Status = models.InstanceStatusFailed
	failed.FailureReason = &reason
	failed.APIKeyPrefix = nil
	failed.UpdatedAt = m.now()
	if err := m.save(ctx, failed); err != nil {
		// Stale version after a partial save; reload and retry once.
		if current, gerr := m.store.GetInstance(ctx, inst.ID); gerr == nil {
			current.Status = models.InstanceStatusFailed
			current.FailureReason = &reason
			current.APIKeyPrefix = nil
			current.UpdatedAt = failed.UpdatedAt
			err = m.save(ctx, current)
			failed = current
		}
		if err != nil {
			m.logger.Error("mark instance failed", "instance_id", inst.ID, "error", err)
		}
	}

	m.record(ctx, audit.Entry{
		Actor:      actor,
		Action:     ActionCreateFailed,
		EntityType: audit.EntityInstance,
		EntityID:   inst.ID,
		New:        failed,
		Severity:   models.SeverityError,
	})
	m.logger.Error("instance provisioning failed",
		"tenant_id", inst.TenantID,
		"instance_id", inst.ID,
		"kind", apperr.KindOf(cause),
		"error", cause,
	)
	*inst = *failed
	return cause
}

func (m *Manager) auditRejected(ctx context.Context, actor models.Actor, name string, definitionID uuid.UUID, cause error) {
	severity := models.SeverityWarning
	switch apperr.KindOf(cause) {
	case apperr.KindValidation, apperr.KindQuotaExceeded, apperr.KindNotFound:
	default:
		severity = models.SeverityError
	}
	m.record(ctx, audit.Entry{
		Actor:      actor,
		Action:     ActionCreateRejected,
		EntityType: audit.EntityTenant,
		EntityID:   actor.TenantID,
		New: map[string]any{
			"name":          name,
			"definition_id": definitionID,
			"error":         apperr.KindOf(cause),
			"message":       apperr.MessageOf(cause),
		},
		Severity: severity,
	})
}

// Update applies a partial change. A status change must follow the
// transition table; a change to deleted runs the delete side effects and
// cannot be combined with other fields.
func (m *Manager) Update(ctx context.Context, actor models.Actor, instanceID uuid.UUID, patch Patch) (*models.ServiceInstance, error) {
	if !m.locks.tryLock(instanceID) {
		return nil, busyError()
	}
	defer m.locks.unlock(instanceID)

	inst, err := m.load(ctx, actor, instanceID)
	if err != nil {
		return nil, err
	}

	if patch.Status != nil && *patch.Status == models.InstanceStatusDeleted {
		if patch.Name != nil || patch.Configuration != nil || patch.UsageQuota != nil {
			return nil, apperr.Validation("deletion cannot be combined with other changes", nil)
		}
		return m.deleteLocked(ctx, actor, inst)
	}
	if inst.Status == models.InstanceStatusDeleted {
		return nil, apperr.New(apperr.KindInvalidTransition, "deleted instances cannot be modified")
	}

	next := inst.Clone()
	var violations []schema.Violation
	if patch.Name != nil {
		next.Name = strings.TrimSpace(*patch.Name)
		violations = append(violations, validateName(next.Name)...)
	}
	if patch.UsageQuota != nil {
		if *patch.UsageQuota < 0 {
			violations = append(violations, schema.Violation{Field: "usage_quota", Message: "Must be zero or greater"})
		}
		next.UsageQuota = *patch.UsageQuota
	}
	if len(violations) > 0 {
		return nil, apperr.Validation("invalid instance update", violations)
	}

	if patch.Configuration != nil {
		def, err := m.definition(ctx, inst.DefinitionID)
		if err != nil {
			return nil, err
		}
		if err := m.validateConfig(def, patch.Configuration); err != nil {
			return nil, err
		}
		next.Configuration = patch.Configuration
	}
	if patch.Status != nil && *patch.Status != inst.Status {
		if err := checkTransition(inst.Status, *patch.Status); err != nil {
			return nil, err
		}
		if *patch.Status == models.InstanceStatusActive {
			if err := m.requireActiveTenant(ctx, inst.TenantID); err != nil {
				return nil, err
			}
		}
		next.Status = *patch.Status
	}

	if !changed(inst, next) {
		return inst, nil
	}
	if next.Name != inst.Name {
		if err := m.ensureNameFree(ctx, inst.TenantID, next.Name, inst.ID); err != nil {
			return nil, err
		}
	}

	next.UpdatedAt = m.now()
	if err := m.save(ctx, next); err != nil {
		return nil, err
	}
	m.record(ctx, audit.Entry{
		Actor:      actor,
		Action:     ActionUpdate,
		EntityType: audit.EntityInstance,
		EntityID:   next.ID,
		Old:        inst,
		New:        next,
	})
	return next, nil
}

// Suspend moves an active instance to suspended. Suspending a suspended
// instance is a no-op.
func (m *Manager) Suspend(ctx context.Context, actor models.Actor, instanceID uuid.UUID) (*models.ServiceInstance, error) {
	return m.transition(ctx, actor, instanceID, models.InstanceStatusSuspended, ActionSuspend)
}

// Resume moves a suspended instance back to active. The tenant must be active.
func (m *Manager) Resume(ctx context.Context, actor models.Actor, instanceID uuid.UUID) (*models.ServiceInstance, error) {
	return m.transition(ctx, actor, instanceID, models.InstanceStatusActive, ActionResume)
}

func (m *Manager) transition(ctx context.Context, actor models.Actor, instanceID uuid.UUID, to models.InstanceStatus, action string) (*models.ServiceInstance, error) {
	if !m.locks.tryLock(instanceID) {
		return nil, busyError()
	}
	defer m.locks.unlock(instanceID)

	inst, err := m.load(ctx, actor, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status == to {
		return inst, nil
	}
	if err := checkTransition(inst.Status, to); err != nil {
		return nil, err
	}
	if to == models.InstanceStatusActive {
		if err := m.requireActiveTenant(ctx, inst.TenantID); err != nil {
			return nil, err
		}
	}

	next := inst.Clone()
	next.Status = to
	next.UpdatedAt = m.now()
	if err := m.save(ctx, next); err != nil {
		return nil, err
	}
	m.record(ctx, audit.Entry{
		Actor:      actor,
		Action:     action,
		EntityType: audit.EntityInstance,
		EntityID:   next.ID,
		Old:        inst,
		New:        next,
	})
	return next, nil
}

// Delete retires a suspended or failed instance, returning its quota unit
// and revoking its credential. Deleting a deleted instance only retries
// cleanup an earlier delete could not finish.
func (m *Manager) Delete(ctx context.Context, actor models.Actor, instanceID uuid.UUID) (*models.ServiceInstance, error) {
	if !m.locks.tryLock(instanceID) {
		return nil, busyError()
	}
	defer m.locks.unlock(instanceID)

	inst, err := m.load(ctx, actor, instanceID)
	if err != nil {
		return nil, err
	}
	return m.deleteLocked(ctx, actor, inst)
}

func (m *Manager) deleteLocked(ctx context.Context, actor models.Actor, inst *models.ServiceInstance) (*models.ServiceInstance, error) {
	if inst.Status == models.InstanceStatusDeleted {
		if err := m.retireResources(ctx, inst); err != nil {
			return nil, err
		}
		return inst, nil
	}
	if err := checkTransition(inst.Status, models.InstanceStatusDeleted); err != nil {
		return nil, err
	}

	// The record goes first: until it is durable the instance keeps its
	// quota unit and credential.
	now := m.now()
	next := inst.Clone()
	next.Status = models.InstanceStatusDeleted
	next.APIKeyPrefix = nil
	next.DeletedAt = &now
	next.UpdatedAt = now
	if err := m.save(ctx, next); err != nil {
		m.record(ctx, audit.Entry{
			Actor:      actor,
			Action:     ActionDeleteFailed,
			EntityType: audit.EntityInstance,
			EntityID:   inst.ID,
			Old:        inst,
			Severity:   models.SeverityError,
		})
		m.logger.Error("instance delete failed",
			"tenant_id", inst.TenantID,
			"instance_id", inst.ID,
			"error", err,
		)
		return nil, err
	}
	m.record(ctx, audit.Entry{
		Actor:      actor,
		Action:     ActionDelete,
		EntityType: audit.EntityInstance,
		EntityID:   next.ID,
		Old:        inst,
		New:        next,
	})
	m.logger.Info("instance deleted", "tenant_id", next.TenantID, "instance_id", next.ID)

	if err := m.retireResources(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// retireResources returns a deleted instance's quota unit and revokes its
// credentials. Both steps are idempotent, so a failed delete can be retried.
func (m *Manager) retireResources(ctx context.Context, inst *models.ServiceInstance) error {
	ctx = context.WithoutCancel(ctx)
	if inst.ReservationID != nil {
		if _, _, err := m.ledger.Release(ctx, *inst.ReservationID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			m.logger.Error("release reservation of deleted instance", "instance_id", inst.ID, "error", err)
			return err
		}
	}
	if _, err := m.issuer.Revoke(ctx, inst.ID); err != nil {
		m.logger.Error("revoke credentials of deleted instance", "instance_id", inst.ID, "error", err)
		return err
	}
	return nil
}

// DeactivateTenant disables the actor's tenant and suspends every live
// instance. Each suspension is audited alongside the tenant change.
func (m *Manager) DeactivateTenant(ctx context.Context, actor models.Actor) (*store.TenantDeactivation, error) {
	out, err := m.ledger.DeactivateTenant(ctx, actor.TenantID)
	if err != nil {
		return nil, err
	}
	if out.Before.Active {
		m.record(ctx, audit.Entry{
			Actor:      actor,
			Action:     ActionTenantDisable,
			EntityType: audit.EntityTenant,
			EntityID:   actor.TenantID,
			Old:        out.Before,
			New:        out.After,
		})
	}
	for _, inst := range out.Suspended {
		m.record(ctx, audit.Entry{
			Actor:      actor,
			Action:     ActionSuspend,
			EntityType: audit.EntityInstance,
			EntityID:   inst.ID,
			New:        inst,
		})
	}
	m.logger.Info("tenant deactivated", "tenant_id", actor.TenantID, "suspended", len(out.Suspended))
	return out, nil
}

// Get returns one of the actor's instances.
func (m *Manager) Get(ctx context.Context, actor models.Actor, instanceID uuid.UUID) (*models.ServiceInstance, error) {
	return m.load(ctx, actor, instanceID)
}

// List returns the actor's non-deleted instances and the total match count.
func (m *Manager) List(ctx context.Context, actor models.Actor, p ListParams) ([]*models.ServiceInstance, int, error) {
	if p.Status != "" && !p.Status.IsValid() {
		return nil, 0, apperr.Validation(fmt.Sprintf("unknown status %q", p.Status), nil)
	}
	filter := store.InstanceFilter{
		TenantID:       actor.TenantID,
		Status:         p.Status,
		DefinitionID:   p.DefinitionID,
		IncludeDeleted: p.Status == models.InstanceStatusDeleted,
		Page:           p.Page,
		Limit:          p.Limit,
	}
	type page struct {
		items []*models.ServiceInstance
		total int
	}
	out, err := retry.Do(ctx, m.policy, func() (page, error) {
		items, total, err := m.store.ListInstances(ctx, filter)
		return page{items: items, total: total}, err
	})
	if err != nil {
		return nil, 0, err
	}
	return out.items, out.total, nil
}

// Definitions lists the active service definitions instances may be created from.
func (m *Manager) Definitions(ctx context.Context) ([]*models.ServiceDefinition, error) {
	return retry.Do(ctx, m.policy, func() ([]*models.ServiceDefinition, error) {
		return m.store.ListServiceDefinitions(ctx, true)
	})
}

// IssueCredential rotates the instance's credential and returns the new
// plaintext once.
func (m *Manager) IssueCredential(ctx context.Context, actor models.Actor, instanceID uuid.UUID) (*apikey.Issued, error) {
	if !m.locks.tryLock(instanceID) {
		return nil, busyError()
	}
	defer m.locks.unlock(instanceID)

	inst, err := m.load(ctx, actor, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != models.InstanceStatusActive && inst.Status != models.InstanceStatusSuspended {
		return nil, apperr.New(apperr.KindInvalidTransition, "credentials can only be issued for active or suspended instances, not %s", inst.Status)
	}

	issued, err := m.issuer.Issue(ctx, inst)
	if err != nil {
		return nil, err
	}
	next := inst.Clone()
	next.APIKeyPrefix = &issued.Key.KeyPrefix
	next.UpdatedAt = m.now()
	if err := m.save(ctx, next); err != nil {
		// The key is live but unreferenced; revoke it rather than leave it usable.
		if _, rerr := m.issuer.Revoke(context.WithoutCancel(ctx), inst.ID); rerr != nil {
			m.logger.Error("revoke unreferenced credential", "instance_id", inst.ID, "error", rerr)
		}
		return nil, err
	}

	m.record(ctx, audit.Entry{
		Actor:      actor,
		Action:     ActionKeyIssue,
		EntityType: audit.EntityAPIKey,
		EntityID:   issued.Key.ID,
		Old:        map[string]any{"instance_id": inst.ID, "key_prefix": inst.APIKeyPrefix},
		New:        issued.Key,
	})
	return issued, nil
}

// RevokeCredential invalidates the instance's credential immediately.
// Revoking when no key is live is a no-op.
func (m *Manager) RevokeCredential(ctx context.Context, actor models.Actor, instanceID uuid.UUID) (*models.ServiceInstance, error) {
	if !m.locks.tryLock(instanceID) {
		return nil, busyError()
	}
	defer m.locks.unlock(instanceID)

	inst, err := m.load(ctx, actor, instanceID)
	if err != nil {
		return nil, err
	}
	n, err := m.issuer.Revoke(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	if n == 0 && inst.APIKeyPrefix == nil {
		return inst, nil
	}

	next := inst.Clone()
	next.APIKeyPrefix = nil
	next.UpdatedAt = m.now()
	if err := m.save(ctx, next); err != nil {
		return nil, err
	}
	m.record(ctx, audit.Entry{
		Actor:      actor,
		Action:     ActionKeyRevoke,
		EntityType: audit.EntityInstance,
		EntityID:   inst.ID,
		Old:        map[string]any{"key_prefix": inst.APIKeyPrefix},
		New:        map[string]any{"revoked": n},
	})
	return next, nil
}

// ValidateCredential resolves a credential to its live key.
func (m *Manager) ValidateCredential(ctx context.Context, credential string) (*models.APIKey, error) {
	key, err := m.issuer.Validate(ctx, credential)
	if errors.Is(err, apikey.ErrInvalidCredential) {
		return nil, apperr.New(apperr.KindNotFound, "credential is invalid or revoked")
	}
	return key, err
}

func (m *Manager) load(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.ServiceInstance, error) {
	inst, err := retry.Do(ctx, m.policy, func() (*models.ServiceInstance, error) {
		return m.store.GetInstance(ctx, id)
	})
	if errors.Is(err, store.ErrNotFound) || (err == nil && inst.TenantID != actor.TenantID) {
		return nil, apperr.New(apperr.KindNotFound, "instance not found")
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// save writes inst under its version and maps store conflicts to caller-facing kinds.
func (m *Manager) save(ctx context.Context, inst *models.ServiceInstance) error {
	err := retry.Exec(ctx, m.policy, func() error {
		return m.store.UpdateInstance(ctx, inst)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrVersionConflict):
		return apperr.New(apperr.KindConflict, "instance was modified concurrently; retry the request")
	case errors.Is(err, store.ErrDuplicateKey):
		return duplicateNameError(inst.Name)
	case errors.Is(err, store.ErrNotFound):
		return apperr.New(apperr.KindNotFound, "instance not found")
	}
	return err
}

func (m *Manager) definition(ctx context.Context, id uuid.UUID) (*models.ServiceDefinition, error) {
	def, err := retry.Do(ctx, m.policy, func() (*models.ServiceDefinition, error) {
		return m.store.GetServiceDefinition(ctx, id)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "service definition not found")
	}
	if err != nil {
		return nil, err
	}
	if !def.Active {
		return nil, apperr.Validation(fmt.Sprintf("service definition %q is not active", def.Type), nil)
	}
	return def, nil
}

func (m *Manager) validateConfig(def *models.ServiceDefinition, config json.RawMessage) error {
	violations, err := m.validator.Validate(def.ConfigSchema, config)
	if err != nil {
		return fmt.Errorf("compile schema of definition %s: %w", def.ID, err)
	}
	if len(violations) > 0 {
		return apperr.Validation("configuration does not match the service definition schema", violations)
	}
	return nil
}

func (m *Manager) ensureNameFree(ctx context.Context, tenantID uuid.UUID, name string, self uuid.UUID) error {
	existing, err := retry.Do(ctx, m.policy, func() (*models.ServiceInstance, error) {
		return m.store.GetInstanceByName(ctx, tenantID, name)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.ID == self {
		return nil
	}
	return duplicateNameError(name)
}

func (m *Manager) requireActiveTenant(ctx context.Context, tenantID uuid.UUID) error {
	t, err := m.ledger.Tenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if !t.Active {
		return apperr.Validation("tenant is deactivated", nil)
	}
	return nil
}

func (m *Manager) releaseReservation(ctx context.Context, inst *models.ServiceInstance) {
	if inst.ReservationID == nil {
		return
	}
	if _, _, err := m.ledger.Release(context.WithoutCancel(ctx), *inst.ReservationID); err != nil {
		m.logger.Error("release reservation failed",
			"tenant_id", inst.TenantID,
			"instance_id", inst.ID,
			"reservation_id", *inst.ReservationID,
			"error", err,
		)
	}
}

func (m *Manager) record(ctx context.Context, e audit.Entry) {
	// Audit entries describe changes that are already durable, so the
	// write outlives a cancelled request.
	_, _ = m.recorder.Record(context.WithoutCancel(ctx), e)
}

func validateName(name string) []schema.Violation {
	switch {
	case name == "":
		return []schema.Violation{{Field: "name", Message: "Is required"}}
	case len(name) > maxNameLength:
		return []schema.Violation{{Field: "name", Message: fmt.Sprintf("Must be at most %d characters", maxNameLength)}}
	case !namePattern.MatchString(name):
		return []schema.Violation{{Field: "name", Message: "Must start with a letter or digit and contain only letters, digits, '-', '_' or '.'"}}
	}
	return nil
}

func duplicateNameError(name string) error {
	return apperr.Validation(fmt.Sprintf("an instance named %q already exists", name),
		[]schema.Violation{{Field: "name", Message: "Already in use"}})
}

func busyError() error {
	return apperr.New(apperr.KindConflict, "another operation on this instance is in progress")
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func changed(a, b *models.ServiceInstance) bool {
	return a.Name != b.Name ||
		a.Status != b.Status ||
		a.UsageQuota != b.UsageQuota ||
		!bytes.Equal(a.Configuration, b.Configuration)
}
