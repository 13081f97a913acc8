package provisioner

import (
	"context"
	"strings"

	"github.com/kiranshivaraju/controlplane/pkg/models"
)

// Template derives endpoints locally from a pattern such as
// "https://{name}.{tenant}.svc.local". Placeholders: {id}, {name}, {tenant}.
type Template struct {
	pattern string
}

// NewTemplate creates a Template provisioner.
func NewTemplate(pattern string) *Template {
	return &Template{pattern: pattern}
}

func (t *Template) Name() string { return "template" }

func (t *Template) AssignEndpoint(ctx context.Context, inst *models.ServiceInstance) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r := strings.NewReplacer(
		"{id}", inst.ID.String(),
		"{name}", strings.ToLower(inst.Name),
		"{tenant}", inst.TenantID.String(),
	)
	return r.Replace(t.pattern), nil
}

var _ Provisioner = (*Template)(nil)
