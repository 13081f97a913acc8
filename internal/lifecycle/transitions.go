package lifecycle

import (
	"fmt"

	"github.com/kiranshivaraju/controlplane/internal/apperr"
	"github.com/kiranshivaraju/controlplane/pkg/models"
)

// transitions lists the legal status changes. Deleted is terminal.
var transitions = map[models.InstanceStatus][]models.InstanceStatus{
	models.InstanceStatusProvisioning: {models.InstanceStatusActive, models.InstanceStatusFailed},
	models.InstanceStatusActive:       {models.InstanceStatusSuspended},
	models.InstanceStatusSuspended:    {models.InstanceStatusActive, models.InstanceStatusDeleted},
	models.InstanceStatusFailed:       {models.InstanceStatusDeleted},
}

// CanTransition reports whether an instance may move from one status to another.
func CanTransition(from, to models.InstanceStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to models.InstanceStatus) error {
	if !to.IsValid() {
		return apperr.Validation(fmt.Sprintf("unknown status %q", to), nil)
	}
	if !CanTransition(from, to) {
		return &apperr.Error{
			Kind:    apperr.KindInvalidTransition,
			Message: fmt.Sprintf("cannot transition from %s to %s", from, to),
			Details: map[string]any{"from": from, "to": to},
		}
	}
	return nil
}
