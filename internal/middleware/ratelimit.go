package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/rowanhq/brightside/internal/clock"
	"github.com/rowanhq/brightside/internal/domain"
	"github.com/rowanhq/brightside/internal/router"
)

// RateLimiterConfig tunes the token buckets. Buckets are keyed by
// (org, action) so one tenant's replay storm cannot exhaust another's quota.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultRateLimiterConfig covers the replay and resend routes.
var DefaultRateLimiterConfig = RateLimiterConfig{
	RequestsPerSecond: 1,
	BurstSize:         5,
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// RateLimiter is an in-memory token bucket set.
type RateLimiter struct {
	cfg     RateLimiterConfig
	clk     clock.Clock
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func NewRateLimiter(cfg RateLimiterConfig, clk clock.Clock) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRateLimiterConfig.RequestsPerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = DefaultRateLimiterConfig.BurstSize
	}
	return &RateLimiter{
		cfg:     cfg,
		clk:     clk,
		buckets: make(map[string]*tokenBucket),
	}
}

// Allow consumes one token from the key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.clk.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: float64(rl.cfg.BurstSize), lastRefill: now}
		rl.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastRefill).Seconds() * rl.cfg.RequestsPerSecond
	if b.tokens > float64(rl.cfg.BurstSize) {
		b.tokens = float64(rl.cfg.BurstSize)
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Limit applies the limiter to a route, keyed by the request's org and the
// given action name. Exceeding the limit returns 429 with a Retry-After.
func (rl *RateLimiter) Limit(action string) router.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := domain.OrgIDFromContext(r.Context()).String() + ":" + action
			if !rl.Allow(key) {
				w.Header().Set("Retry-After", "1")
				reject(w, http.StatusTooManyRequests, "rate_limit", "too many "+action+" requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
