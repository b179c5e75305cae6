package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/kueuexec/internal/api/response"
	"github.com/kiranshivaraju/kueuexec/internal/cache"
)

const (
	defaultRequestsPerMinute = 60
	window                   = 60 * time.Second
)

// RateLimit is a fixed-window limiter keyed by API key prefix and backed by
// the shared cache, so every replica of the server counts against one window.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int
}

func NewRateLimit(c cache.Cache, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{cache: c, requestsPerMin: requestsPerMin}
}

// Limit must run after Authenticate. Requests without a key prefix pass
// through, and a cache outage fails open so job polling keeps working.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix, ok := getKeyPrefix(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		count, err := rl.cache.IncrWithExpiry(r.Context(), cache.RateLimitKey(prefix), window)
		if err != nil {
			slog.Warn("rate limit unavailable, allowing request", "key_prefix", prefix, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := max(rl.requestsPerMin-int(count), 0)
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(window).Unix(), 10))

		if count > int64(rl.requestsPerMin) {
			h.Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", map[string]int{"limit_per_minute": rl.requestsPerMin})
			return
		}

		next.ServeHTTP(w, r)
	})
}
