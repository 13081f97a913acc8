package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/controlplane/internal/api/response"
	"github.com/kiranshivaraju/controlplane/internal/cache"
)

const (
	defaultRequestsPerMinute = 600
	rateWindow               = time.Minute
)

// RateLimit provides fixed-window per-tenant rate limiting via the cache.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int
	now            func() time.Time
}

// NewRateLimit creates a new RateLimit middleware.
func NewRateLimit(c cache.Cache, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{cache: c, requestsPerMin: requestsPerMin, now: time.Now}
}

// Limit counts requests per tenant set by the Identity middleware.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := GetTenantID(r)
		if !ok {
			// Identity middleware didn't run; pass through
			next.ServeHTTP(w, r)
			return
		}

		now := rl.now()
		window := now.Unix() / int64(rateWindow.Seconds())
		count, err := rl.cache.IncrWithExpiry(r.Context(), cache.RateLimitKey(tenantID, window), rateWindow)
		if err != nil {
			// On cache error, allow the request (fail open)
			slog.Warn("rate limit counter unavailable", "tenant_id", tenantID, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := max(rl.requestsPerMin-int(count), 0)
		resetAt := (window + 1) * int64(rateWindow.Seconds())

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if count > int64(rl.requestsPerMin) {
			w.Header().Set("Retry-After", strconv.FormatInt(max(resetAt-now.Unix(), 1), 10))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
