// Package health provides a registry of named subsystem health checkers and
// the liveness and readiness endpoints built on it.
package health

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/p402/facilitator/internal/settlement"
)

// DefaultTimeout bounds a single checker run.
const DefaultTimeout = 5 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Degraded  bool   `json:"degraded,omitempty"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health plus individual results in registration order. A
// degraded subsystem makes the aggregate unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	g, gctx := errgroup.WithContext(ctx)
	for i, nc := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			start := time.Now()
			st := nc.check(cctx)
			st.Name = nc.name
			st.LatencyMs = time.Since(start).Milliseconds()
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy || st.Degraded {
			healthy = false
		}
	}
	return healthy, statuses
}

// Ping adapts an error-returning probe into a Checker.
func Ping(probe func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := probe(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Database checks a Postgres pool.
func Database(db *sql.DB) Checker {
	return Ping(db.PingContext)
}

// GasBalance reports the facilitator account as degraded when its native
// balance is below the floor.
func GasBalance(check func(ctx context.Context) (settlement.Health, error)) Checker {
	return func(ctx context.Context) Status {
		h, err := check(ctx)
		if err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		st := Status{Healthy: true, Degraded: h.Degraded}
		if h.Degraded {
			st.Detail = "facilitator gas balance below floor"
		}
		return st
	}
}

// Handler serves /health, /health/live and /health/ready.
type Handler struct {
	registry *Registry
	version  string
	alive    atomic.Bool
	ready    atomic.Bool
}

// NewHandler creates a health handler. It reports alive immediately and
// ready once SetReady(true) is called.
func NewHandler(registry *Registry, version string) *Handler {
	h := &Handler{registry: registry, version: version}
	h.alive.Store(true)
	return h
}

// SetReady marks the service as accepting (or draining) traffic.
func (h *Handler) SetReady(ready bool) { h.ready.Store(ready) }

// RegisterRoutes mounts the health endpoints.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Health)
	r.GET("/health/live", h.Live)
	r.GET("/health/ready", h.Ready)
}

// Response for health check endpoints
type Response struct {
	Status    string   `json:"status"`
	Version   string   `json:"version,omitempty"`
	Checks    []Status `json:"checks,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// Health runs every checker and reports the detail.
func (h *Handler) Health(c *gin.Context) {
	healthy, statuses := h.registry.CheckAll(c.Request.Context())
	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, Response{
		Status:    status,
		Version:   h.version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Live answers whether the process is up.
func (h *Handler) Live(c *gin.Context) {
	if !h.alive.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Ready answers whether the service should receive traffic: it must be
// started and every checker must pass without degradation.
func (h *Handler) Ready(c *gin.Context) {
	if !h.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	healthy, statuses := h.registry.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
