package adminapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// rateLimiter is a sliding-window per-key limiter, grounded on
// koshedutech's internal/api RateLimiter: a map of recent request
// timestamps per key, pruned to the window on every check.
type rateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{requests: make(map[string][]time.Time), limit: limit, window: window}
}

// allow reports whether key may proceed, recording this attempt if so.
func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)
	kept := r.requests[key][:0]
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= r.limit {
		r.requests[key] = kept
		return false
	}
	r.requests[key] = append(kept, now)
	return true
}

// noRateLimitPaths skips rate limiting for read-only status/log polls
// a dashboard hits on a tight interval, the same allowlist pattern
// koshedutech's rateLimitMiddleware uses.
var noRateLimitPaths = map[string]bool{
	"/api/health":         true,
	"/api/status/:userID": true,
}

func rateLimitMiddleware(rl *rateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if noRateLimitPaths[c.FullPath()] {
			c.Next()
			return
		}
		key := c.ClientIP()
		if uid := userIDFromContext(c); uid != "" {
			key = uid
		}
		if !rl.allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
