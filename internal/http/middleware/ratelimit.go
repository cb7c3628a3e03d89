// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements an in-memory token-bucket rate limiter with per-key
// buckets and opportunistic garbage collection. Two instances are used: one
// keyed by caller identity at the edge, and one keyed by case id on the
// outbound send route so a misbehaving client cannot flood a supplier.
//
// The limiter is process-local. Idempotent replays (flagged by
// IdempotencyValidator) bypass it.
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// HeaderClientID optionally identifies the calling system (an ERP connector,
// the buyer UI). It only keys rate-limit buckets; it is not authentication.
const HeaderClientID = "X-Client-ID"

// KeyFunc selects the identity used to key a rate-limit bucket.
type KeyFunc func(*gin.Context) string

// KeyByClientOrIP prefers the X-Client-ID header and falls back to the
// client IP. Keys are prefixed so the namespaces never collide.
func KeyByClientOrIP() KeyFunc {
	return func(c *gin.Context) string {
		if id := c.GetHeader(HeaderClientID); id != "" {
			return "client:" + id
		}
		return "ip:" + c.ClientIP()
	}
}

// KeyByCase keys buckets by the case id route parameter.
func KeyByCase(param string) KeyFunc {
	if param == "" {
		param = "id"
	}
	return func(c *gin.Context) string {
		return "case:" + c.Param(param)
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements a per-key token-bucket rate limiter. Idle buckets
// are evicted after a TTL during lookups. Safe for concurrent use.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	keyFn    KeyFunc
	code     string
	mu       sync.Mutex
	visitors map[string]*visitor

	ttl      time.Duration
	cleanupN uint64
}

// NewRateLimiter constructs a limiter refilling rps tokens per second with the
// given burst (coerced to >= 1), keyed by keyFn.
func NewRateLimiter(rps float64, burst int, keyFn KeyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		code:     "rate_limited",
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
	}
}

// NewSendLimiter allows perMinute outbound sends per case, with a burst of
// the same size.
func NewSendLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	rl := NewRateLimiter(float64(perMinute)/60, perMinute, KeyByCase("id"))
	rl.code = "send_rate_limited"
	return rl
}

// getVisitor returns the limiter for key, creating it if absent. GC runs
// before the lookup so a stale bucket is evicted even when it is the one
// being fetched.
func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanupN++
	if rl.cleanupN >= 5000 {
		for k, vv := range rl.visitors {
			if now.Sub(vv.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.cleanupN = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.limit, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether IdempotencyValidator marked this request as a
// replay.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler returns a Gin middleware enforcing the limit. Rejected requests get
// 429 with a Retry-After header derived from the bucket's refill time.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}

		lim := rl.getVisitor(rl.keyFn(c))
		if lim.Allow() {
			c.Next()
			return
		}

		c.Header("Retry-After", strconv.Itoa(rl.retryAfter()))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       rl.code,
			"message":    "rate limit exceeded",
		})
	}
}

// retryAfter is the whole number of seconds until one token refills.
func (rl *RateLimiter) retryAfter() int {
	if rl.limit <= 0 {
		return 60
	}
	secs := int(1/float64(rl.limit) + 0.999)
	if secs < 1 {
		secs = 1
	}
	return secs
}
