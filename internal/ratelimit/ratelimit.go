// Package ratelimit throttles API callers with a token bucket per key.
//
// Authenticated callers are keyed by agent address so every key an agent
// holds shares one budget; anonymous callers are keyed by client IP.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentmarket/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per key. Zero disables limiting.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	}
}

// ForRPM returns DefaultConfig at the given sustained rate with a burst of
// one sixth of a minute's budget.
func ForRPM(rpm int) Config {
	cfg := DefaultConfig()
	cfg.RequestsPerMinute = rpm
	cfg.BurstSize = max(rpm/6, 1)
	return cfg
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	clients map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new rate limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		clients: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// sweep drops buckets idle long enough to have refilled completely.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-2 * time.Minute)
	for key, b := range l.clients {
		if b.lastCheck.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether key may make one more request now.
func (l *Limiter) Allow(key string) bool {
	if l.cfg.RequestsPerMinute <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.clients[key]
	if !ok {
		l.clients[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return l.cfg.BurstSize > 0
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens = min(b.tokens+elapsed*float64(l.cfg.RequestsPerMinute)/60.0, float64(l.cfg.BurstSize))
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Middleware returns a gin middleware that rejects callers over budget with
// 429. It must run after auth.Middleware to key by agent.
func (l *Limiter) Middleware() gin.HandlerFunc {
	retryAfter := "1"
	if l.cfg.RequestsPerMinute > 0 {
		retryAfter = strconv.Itoa(max(60/l.cfg.RequestsPerMinute, 1))
	}

	return func(c *gin.Context) {
		key, kind := "ip:"+c.ClientIP(), "ip"
		if agent := c.GetString("authAgentAddr"); agent != "" {
			key, kind = "agent:"+agent, "agent"
		}

		if !l.Allow(key) {
			metrics.RateLimitedTotal.WithLabelValues(kind).Inc()
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
