// Package health reports liveness and readiness of the service and its
// storage.
package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Status is the health of a single subsystem.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker reports the health of one subsystem.
type Checker func(ctx context.Context) Status

// Pinger is anything with a context-aware connectivity probe, such as the
// ledger or a *sql.DB.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker adapts a Pinger to a Checker and records probe latency.
func PingChecker(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		start := time.Now()
		err := p.Ping(ctx)
		st := Status{Name: name, Healthy: err == nil, LatencyMS: time.Since(start).Milliseconds()}
		if err != nil {
			st.Detail = err.Error()
		}
		return st
	}
}

// Registry holds named checkers and the process lifecycle flags.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration

	ready atomic.Bool
	alive atomic.Bool
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a registry that is alive but not yet ready.
func NewRegistry() *Registry {
	r := &Registry{timeout: 5 * time.Second}
	r.alive.Store(true)
	return r
}

// Register adds a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// SetReady flips the readiness flag reported by /health/ready.
func (r *Registry) SetReady(ready bool) { r.ready.Store(ready) }

// SetAlive flips the liveness flag reported by /health/live.
func (r *Registry) SetAlive(alive bool) { r.alive.Store(alive) }

// CheckAll runs every checker and returns the aggregate result plus the
// individual statuses in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	healthy = true
	statuses = make([]Status, len(checkers))
	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if statuses[i].Name == "" {
			statuses[i].Name = nc.name
		}
		if !statuses[i].Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// RegisterRoutes mounts /health, /health/live and /health/ready.
func (r *Registry) RegisterRoutes(router gin.IRoutes) {
	router.GET("/health", r.handleHealth)
	router.GET("/health/live", r.handleLive)
	router.GET("/health/ready", r.handleReady)
}

func (r *Registry) handleHealth(c *gin.Context) {
	healthy, statuses := r.CheckAll(c.Request.Context())
	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (r *Registry) handleLive(c *gin.Context) {
	if !r.alive.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// handleReady requires the ready flag and every checker to pass.
func (r *Registry) handleReady(c *gin.Context) {
	if !r.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if healthy, statuses := r.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
