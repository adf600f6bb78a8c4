// Package health provides the gateway's liveness endpoint.
package health

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Status is the liveness response body.
type Status struct {
	Status  string            `json:"status"`
	Uptime  string            `json:"uptime"`
	Version string            `json:"version,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Handler serves liveness probes. The gateway is alive as soon as it
// listens; upstream health is deliberately not aggregated here, a dead
// backend must not make the gateway restart.
type Handler struct {
	mu        sync.RWMutex
	startTime time.Time
	version   string
	details   map[string]string
}

// NewHandler creates a health handler.
func NewHandler(version string) *Handler {
	return &Handler{
		startTime: time.Now(),
		version:   version,
		details:   make(map[string]string),
	}
}

// SetDetail records a static detail shown in the health response.
func (h *Handler) SetDetail(key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.details[key] = value
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	details := make(map[string]string, len(h.details))
	for k, v := range h.details {
		details[k] = v
	}

	c.JSON(http.StatusOK, Status{
		Status:  "ok",
		Uptime:  time.Since(h.startTime).Round(time.Second).String(),
		Version: h.version,
		Details: details,
	})
}

// Register mounts the health routes on a gin router.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/health", h.Health)
}
