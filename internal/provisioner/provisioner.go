// Package provisioner assigns endpoints to newly created service instances.
package provisioner

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/controlplane/pkg/models"
)

// Sentinel errors for provisioner failures.
var (
	ErrProvisionerUnavailable = errors.New("provisioner unavailable")
	ErrProvisionerTimeout     = errors.New("provisioner timeout")
	ErrInvalidResponse        = errors.New("provisioner returned invalid response")
)

// Provisioner assigns a reachable endpoint to an instance.
// Implementations must honor ctx cancellation.
type Provisioner interface {
	Name() string
	AssignEndpoint(ctx context.Context, inst *models.ServiceInstance) (string, error)
}
