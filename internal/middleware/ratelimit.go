package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter counts requests per key in fixed windows. Token issuance is
// the one brute-forceable surface, so it sits in front of that route.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   int
	window  time.Duration
	now     func() time.Time
}

type bucket struct {
	hits     int
	openedAt time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Allow records a hit for key. When the limit is exhausted it reports
// false along with how long until the window reopens. Expired buckets are
// pruned opportunistically, so no background goroutine is needed.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if len(rl.buckets) > 4*rl.limit {
		rl.prune(now)
	}

	b, ok := rl.buckets[key]
	if !ok || now.Sub(b.openedAt) >= rl.window {
		rl.buckets[key] = &bucket{hits: 1, openedAt: now}
		return true, 0
	}
	if b.hits >= rl.limit {
		return false, b.openedAt.Add(rl.window).Sub(now)
	}
	b.hits++
	return true, 0
}

func (rl *RateLimiter) prune(now time.Time) {
	for key, b := range rl.buckets {
		if now.Sub(b.openedAt) >= rl.window {
			delete(rl.buckets, key)
		}
	}
}

// RateLimitMiddleware rejects over-limit clients by IP with 429 and a
// Retry-After hint.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retryAfter := rl.Allow(c.ClientIP())
		if !ok {
			seconds := int(retryAfter.Round(time.Second) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}
