// Package api implements the read-only admin REST API over a running node:
// the lobby directory and games, the pending reliable deliveries and the
// delivery failure journal.
package api

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaycore-project/relaycore/internal/util"
)

// sweepInterval bounds how often idle client buckets are dropped.
const sweepInterval = time.Minute

// RateLimiter is a per-client-IP token bucket.
type RateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientBucket
	rate      int
	burst     int
	lastSweep time.Time
}

type clientBucket struct {
	tokens    float64
	lastCheck time.Time
}

// NewRateLimiter creates a rate limiter with the specified requests per
// second. A non-positive rate disables limiting.
func NewRateLimiter(rps int) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientBucket),
		rate:    rps,
		burst:   rps * 2,
	}
}

// Middleware returns a Gin middleware that rate limits by client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	logger := util.ComponentLogger("api")

	return func(c *gin.Context) {
		if rl.rate <= 0 {
			c.Next()
			return
		}

		ok, wait := rl.allow(c.ClientIP(), time.Now())
		if !ok {
			logger.Debug().Str("client_ip", c.ClientIP()).Dur("retry_after", wait).Msg("rate limit exceeded")
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}

// allow takes one token from the client's bucket. When the bucket is empty
// it reports how long until the next token.
func (rl *RateLimiter) allow(clientIP string, now time.Time) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.sweep(now)

	bucket, exists := rl.clients[clientIP]
	if !exists {
		bucket = &clientBucket{
			tokens:    float64(rl.burst),
			lastCheck: now,
		}
		rl.clients[clientIP] = bucket
	}

	elapsed := now.Sub(bucket.lastCheck).Seconds()
	bucket.tokens = min(bucket.tokens+elapsed*float64(rl.rate), float64(rl.burst))
	bucket.lastCheck = now

	if bucket.tokens < 1 {
		missing := 1 - bucket.tokens
		return false, time.Duration(missing / float64(rl.rate) * float64(time.Second))
	}
	bucket.tokens--
	return true, 0
}

// sweep drops buckets that have refilled completely; a fresh bucket is
// equivalent.
func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < sweepInterval {
		return
	}
	rl.lastSweep = now

	full := time.Duration(float64(rl.burst) / float64(rl.rate) * float64(time.Second))
	for ip, bucket := range rl.clients {
		if now.Sub(bucket.lastCheck) > full {
			delete(rl.clients, ip)
		}
	}
}

// tracked reports the number of client buckets currently held.
func (rl *RateLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// SecurityHeaders adds security-related HTTP headers.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Server", "relaycore")
		c.Header("Cache-Control", "no-store")

		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Header("X-Frame-Options", "DENY")
			c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		}

		c.Next()
	}
}

// RequestLogger logs each request at debug, and server errors at warn.
func RequestLogger() gin.HandlerFunc {
	logger := util.ComponentLogger("api")

	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		event := logger.Debug()
		if status >= http.StatusInternalServerError {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("api request")
	}
}
