package provisioner

import (
	"fmt"

	"github.com/kiranshivaraju/controlplane/internal/config"
)

// New constructs the provisioner selected by cfg.
// Called once at server startup.
func New(cfg config.ProvisionerConfig) (Provisioner, error) {
	switch cfg.Mode {
	case config.ProvisionerModeTemplate:
		return NewTemplate(cfg.EndpointTemplate), nil
	case config.ProvisionerModeHTTP:
		return NewHTTPClient(cfg.URL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown provisioner mode %q: must be one of template, http", cfg.Mode)
	}
}
