package mock

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/kiranshivaraju/controlplane/internal/provisioner"
	"github.com/kiranshivaraju/controlplane/pkg/models"
)

// Provisioner satisfies provisioner.Provisioner for testing.
type Provisioner struct {
	AssignFunc func(ctx context.Context, inst *models.ServiceInstance) (string, error)
	calls      atomic.Int64
}

func (p *Provisioner) Name() string { return "mock" }

func (p *Provisioner) AssignEndpoint(ctx context.Context, inst *models.ServiceInstance) (string, error) {
	p.calls.Add(1)
	if p.AssignFunc != nil {
		return p.AssignFunc(ctx, inst)
	}
	return "", nil
}

// Calls returns how many times AssignEndpoint ran.
func (p *Provisioner) Calls() int64 { return p.calls.Load() }

// NewProvisioner returns a Provisioner that assigns a deterministic endpoint.
func NewProvisioner() *Provisioner {
	return &Provisioner{
		AssignFunc: func(_ context.Context, inst *models.ServiceInstance) (string, error) {
			return fmt.Sprintf("https://%s.mock.local", inst.ID), nil
		},
	}
}

// NewFailingProvisioner returns a Provisioner that always returns err.
func NewFailingProvisioner(err error) *Provisioner {
	return &Provisioner{
		AssignFunc: func(_ context.Context, _ *models.ServiceInstance) (string, error) {
			return "", err
		},
	}
}

// NewTimeoutProvisioner returns a Provisioner that blocks until ctx is done.
func NewTimeoutProvisioner() *Provisioner {
	return &Provisioner{
		AssignFunc: func(ctx context.Context, _ *models.ServiceInstance) (string, error) {
			<-ctx.Done()
			return "", fmt.Errorf("%w: %w", provisioner.ErrProvisionerTimeout, ctx.Err())
		},
	}
}

// Compile-time check that Provisioner implements provisioner.Provisioner.
var _ provisioner.Provisioner = (*Provisioner)(nil)
