package lifecycle

import (
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/controlplane/internal/apperr"
	"github.com/kiranshivaraju/controlplane/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.InstanceStatus
		want     bool
	}{
		{models.InstanceStatusProvisioning, models.InstanceStatusActive, true},
		{models.InstanceStatusProvisioning, models.InstanceStatusFailed, true},
		{models.InstanceStatusProvisioning, models.InstanceStatusDeleted, false},
		{models.InstanceStatusActive, models.InstanceStatusSuspended, true},
		{models.InstanceStatusActive, models.InstanceStatusDeleted, false},
		{models.InstanceStatusActive, models.InstanceStatusFailed, false},
		{models.InstanceStatusSuspended, models.InstanceStatusActive, true},
		{models.InstanceStatusSuspended, models.InstanceStatusDeleted, true},
		{models.InstanceStatusFailed, models.InstanceStatusDeleted, true},
		{models.InstanceStatusFailed, models.InstanceStatusActive, false},
		{models.InstanceStatusDeleted, models.InstanceStatusActive, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCheckTransition_Kinds(t *testing.T) {
	err := checkTransition(models.InstanceStatusActive, models.InstanceStatusDeleted)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	err = checkTransition(models.InstanceStatusActive, "paused")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	assert.NoError(t, checkTransition(models.InstanceStatusActive, models.InstanceStatusSuspended))
}

func TestInstanceLocks(t *testing.T) {
	locks := newInstanceLocks()
	a, b := uuid.New(), uuid.New()

	assert.True(t, locks.tryLock(a))
	assert.False(t, locks.tryLock(a))
	assert.True(t, locks.tryLock(b))

	locks.unlock(a)
	assert.True(t, locks.tryLock(a))
}
