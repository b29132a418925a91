package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ──────────────────────────────────────────────────────────────────────────────
// Per-client token buckets
// ──────────────────────────────────────────────────────────────────────────────

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter holds one token bucket per client key.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
}

// newRateLimiter creates a rate limiter allowing rps requests per second.
// The burst is at least 10 so short spikes are absorbed.
func newRateLimiter(rps float64, burst int) *rateLimiter {
	if burst < 10 {
		burst = 10
	}
	return &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

// allow reports whether key may proceed now and consumes one token.
func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()
	return v.limiter.Allow()
}

// evict drops visitors idle since before cutoff.
func (rl *rateLimiter) evict(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, key)
		}
	}
}

// RateLimitMiddleware returns a gin.HandlerFunc that enforces a per-client
// token bucket. Authenticated requests are keyed by participant, anonymous
// ones by IP. Clients exceeding the limit receive 429 Too Many Requests.
func RateLimitMiddleware(rps float64, burst int) gin.HandlerFunc {
	rl := newRateLimiter(rps, burst)

	// Background goroutine to evict stale buckets every 5 minutes to prevent
	// the map from growing without bound.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			rl.evict(time.Now().Add(-10 * time.Minute))
		}
	}()

	return func(c *gin.Context) {
		key := c.ClientIP()
		if p := GetParticipant(c); p != "" {
			key = "p:" + string(p.Key())
		}
		if !rl.allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "too many requests, please slow down",
				"code":    "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}
