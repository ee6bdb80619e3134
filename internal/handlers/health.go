package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Check reports whether one dependency is reachable.
type Check func(ctx context.Context) error

// Dependency is one named check. Critical failures make the service
// unhealthy; anything else only degrades it.
type Dependency struct {
	Name     string
	Critical bool
	Check    Check
}

type HealthHandler struct {
	deps    []Dependency
	version string
}

func NewHealthHandler(version string, deps ...Dependency) *HealthHandler {
	return &HealthHandler{deps: deps, version: version}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.deps))
	overallStatus := "healthy"
	for _, d := range h.deps {
		if err := d.Check(ctx); err == nil {
			checks[d.Name] = "healthy"
			continue
		}
		if d.Critical {
			checks[d.Name] = "unhealthy"
			overallStatus = "unhealthy"
			continue
		}
		checks[d.Name] = "degraded"
		if overallStatus == "healthy" {
			overallStatus = "degraded"
		}
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    overallStatus,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
		"version":   h.version,
	})
}
