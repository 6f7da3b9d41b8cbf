package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/arena-realtime/pkg/logger"
)

// Checker probes one dependency.
type Checker func(ctx context.Context) error

// HealthHandler provides the liveness and readiness endpoints.
type HealthHandler struct {
	mu      sync.RWMutex
	checks  map[string]Checker
	timeout time.Duration
	log     logger.Logger
}

// NewHealthHandler creates a HealthHandler. Each readiness probe gets timeout.
func NewHealthHandler(timeout time.Duration, log logger.Logger) *HealthHandler {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthHandler{
		checks:  make(map[string]Checker),
		timeout: timeout,
		log:     log.WithComponent("health"),
	}
}

// Register adds a named readiness check.
func (h *HealthHandler) Register(name string, check Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// LivenessCheck reports that the process is serving.
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
	})
}

// ReadinessCheck runs every registered check concurrently and answers 503 if
// any of them fails.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	checks, healthy := h.performChecks(c.Request.Context())

	status, httpStatus := "ready", http.StatusOK
	if !healthy {
		status, httpStatus = "unavailable", http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

func (h *HealthHandler) performChecks(ctx context.Context) (map[string]string, bool) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checkers := make([]Checker, len(names))
	for i, name := range names {
		checkers[i] = h.checks[name]
	}
	h.mu.RUnlock()

	results := make([]string, len(names))
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	// Failures are collected rather than returned so every check runs.
	var g errgroup.Group
	for i := range checkers {
		g.Go(func() error {
			results[i] = "ok"
			if err := checkers[i](ctx); err != nil {
				results[i] = "error: " + err.Error()
				h.log.Warn(ctx, "Readiness check failed",
					logger.String("check", names[i]),
					logger.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	out := make(map[string]string, len(names))
	for i, name := range names {
		out[name] = results[i]
		if results[i] != "ok" {
			healthy = false
		}
	}
	return out, healthy
}
