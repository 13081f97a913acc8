package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func RateLimitKey(tenantID uuid.UUID, window int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", tenantID, window)
}

func IdempotencyKey(tenantID uuid.UUID, operation, key string) string {
	return fmt.Sprintf("idempotency:%s:%s:%s", tenantID, operation, key)
}

func DashboardKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("dashboard:%s", tenantID)
}
