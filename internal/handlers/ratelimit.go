package handlers

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"ledgerworks/pkg/api/bursar"
	"ledgerworks/pkg/ctxkeys"
)

type rateBucket struct {
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

// RateLimiter provides a simple per-key fixed-window rate limiter.
// State is process-local and cleared on restart.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	ttl     time.Duration
	buckets map[string]*rateBucket
}

// NewRateLimiter creates a per-key fixed-window limiter
func NewRateLimiter(limit int, window, ttl time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		ttl:     ttl,
		buckets: make(map[string]*rateBucket),
	}
}

// Allow reports whether the request is permitted for the key, and if not,
// how long until the window resets.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := time.Now()
	if key == "" {
		key = "unknown"
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for k, bucket := range rl.buckets {
		if now.Sub(bucket.lastSeen) > rl.ttl {
			delete(rl.buckets, k)
		}
	}

	bucket, ok := rl.buckets[key]
	if !ok {
		rl.buckets[key] = &rateBucket{windowStart: now, count: 1, lastSeen: now}
		return true, 0
	}

	bucket.lastSeen = now
	if now.Sub(bucket.windowStart) >= rl.window {
		bucket.windowStart = now
		bucket.count = 1
		return true, 0
	}

	if bucket.count >= rl.limit {
		return false, rl.window - now.Sub(bucket.windowStart)
	}

	bucket.count++
	return true, 0
}

// RateLimitMiddleware rejects requests over the per-client budget. Keys by
// the verified signing key when present, falling back to client IP.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString(string(ctxkeys.KeySigningKeyID))
		if key == "" {
			key = c.ClientIP()
		}

		allowed, retryAfter := rl.Allow(key)
		if !allowed {
			if metrics != nil && metrics.RateLimitRejections != nil {
				metrics.RateLimitRejections.WithLabelValues(c.FullPath()).Inc()
			}
			seconds := int(retryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", fmt.Sprintf("%d", seconds))
			c.JSON(http.StatusTooManyRequests, bursar.ErrorResponse{
				Error: "rate limit exceeded",
				Code:  bursar.CodeRateLimited,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
