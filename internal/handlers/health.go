package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stwalsh4118/atlas/listings/internal/database"
	"github.com/stwalsh4118/atlas/listings/internal/middleware"
)

const (
	// APIVersion is the current version of the API
	APIVersion = "0.1.0"
	// HealthCheckTimeout bounds the readiness check, reconnect included.
	HealthCheckTimeout = 5 * time.Second
)

// ConnectionStatus reports on the database connection.
type ConnectionStatus interface {
	CheckConnection(ctx context.Context) error
	ConnectionStats() database.ConnStats
}

// HealthHandler handles health check and readiness endpoints.
type HealthHandler struct {
	db        ConnectionStatus
	startTime time.Time
	env       string
	tagRules  int
}

// NewHealthHandler creates a new HealthHandler instance.
func NewHealthHandler(db ConnectionStatus, env string, tagRules int) *HealthHandler {
	return &HealthHandler{
		db:        db,
		startTime: time.Now(),
		env:       env,
		tagRules:  tagRules,
	}
}

// HealthResponse represents the basic health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// InfoResponse represents the API information response.
type InfoResponse struct {
	Version     string             `json:"version"`
	Environment string             `json:"environment"`
	Uptime      string             `json:"uptime"`
	Database    database.ConnStats `json:"database"`
	TagRules    int                `json:"tag_rules"`
}

// Health handles GET /health. It never touches the database.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status: "healthy",
	})
}

// Ready handles GET /health/ready. A broken connection is re-established
// before answering, so a 503 means the reconnect cycle was exhausted.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), HealthCheckTimeout)
	defer cancel()

	if err := h.db.CheckConnection(ctx); err != nil {
		if log := middleware.GetLogger(c); log != nil {
			log.Error("Database readiness check failed", err, map[string]interface{}{
				"timeout": HealthCheckTimeout.String(),
			})
		}

		c.JSON(http.StatusServiceUnavailable, ReadyResponse{
			Status:   "not_ready",
			Database: "disconnected",
		})
		return
	}

	c.JSON(http.StatusOK, ReadyResponse{
		Status:   "ready",
		Database: "connected",
	})
}

// Info handles GET /api/v1/info.
func (h *HealthHandler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, InfoResponse{
		Version:     APIVersion,
		Environment: h.env,
		Uptime:      formatUptime(time.Since(h.startTime)),
		Database:    h.db.ConnectionStats(),
		TagRules:    h.tagRules,
	})
}

// formatUptime formats a duration into a human-readable string.
func formatUptime(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
}
