// Package ratelimit limits API calls per authenticated agent, falling back to
// the client IP for unauthenticated routes.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mbd888/agentcourt/internal/clock"
)

// Config sets the token bucket given to each caller.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	// IdleTTL is how long an unused bucket is kept before it is dropped.
	IdleTTL time.Duration
}

// DefaultConfig allows 20 requests per second with bursts of 40.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 20, Burst: 40, IdleTTL: 10 * time.Minute}
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter holds one bucket per key. Idle buckets are evicted lazily during
// Allow, at most once per IdleTTL.
type Limiter struct {
	cfg   Config
	clock clock.Clock

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastEvict time.Time
}

// New creates a limiter.
func New(cfg Config) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		clock:   clock.Real(),
		buckets: make(map[string]*bucket),
	}
}

// WithClock replaces the limiter clock.
func (l *Limiter) WithClock(c clock.Clock) *Limiter {
	l.clock = c
	return l
}

// Allow takes a token for key. When none is available it returns false and
// how long until one will be.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastEvict) >= l.cfg.IdleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.seen) >= l.cfg.IdleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastEvict = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.seen = now

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware rejects callers over their rate with 429 and a Retry-After
// header in whole seconds.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if agent := c.GetString("authAgentID"); agent != "" {
			key = "agent:" + agent
		}

		ok, wait := l.Allow(key)
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "rate limit exceeded, retry after " + strconv.Itoa(secs) + "s",
			})
			return
		}
		c.Next()
	}
}
