package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/upstream"
	"gorm.io/gorm"
)

// HealthHandler serves the admin health summary.
type HealthHandler struct {
	db       *gorm.DB
	registry *upstream.Registry
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(db *gorm.DB, registry *upstream.Registry) *HealthHandler {
	return &HealthHandler{db: db, registry: registry}
}

// Healthz checks database connectivity and counts upstreams by status.
func (h *HealthHandler) Healthz(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}
	if errPing := sqlDB.PingContext(c.Request.Context()); errPing != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}

	counts := map[models.UpstreamStatus]int{
		models.UpstreamStatusActive:    0,
		models.UpstreamStatusUnhealthy: 0,
		models.UpstreamStatusDisabled:  0,
	}
	for _, row := range h.registry.Snapshot() {
		counts[row.Status]++
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"upstreams": counts,
		"routable":  counts[models.UpstreamStatusActive] > 0,
	})
}
