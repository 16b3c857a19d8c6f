package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MeteredGateway/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// APIKeyHandler lets admins inspect and revoke user API keys.
type APIKeyHandler struct {
	db    *gorm.DB
	cache UserCache
}

// NewAPIKeyHandler constructs an APIKeyHandler. cache may be nil.
func NewAPIKeyHandler(db *gorm.DB, cache UserCache) *APIKeyHandler {
	return &APIKeyHandler{db: db, cache: cache}
}

// ListForUser returns every key of a user, revoked ones included.
func (h *APIKeyHandler) ListForUser(c *gin.Context) {
	userID, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	var exists int64
	if errCount := h.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Count(&exists).Error; errCount != nil {
		internalError(c, "fetch user failed")
		return
	}
	if exists == 0 {
		notFound(c, "user not found")
		return
	}
	var rows []models.APIKey
	if errFind := h.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC").Find(&rows).Error; errFind != nil {
		internalError(c, "list api keys failed")
		return
	}
	items := make([]gin.H, 0, len(rows))
	for i := range rows {
		items = append(items, adminKeyRow(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// Revoke disables a key of any user and drops its cached authentication.
func (h *APIKeyHandler) Revoke(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	var row models.APIKey
	if errFind := h.db.WithContext(ctx).First(&row, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			notFound(c, "api key not found")
			return
		}
		internalError(c, "fetch api key failed")
		return
	}
	if row.Status == models.APIKeyStatusRevoked {
		c.JSON(http.StatusOK, adminKeyRow(&row))
		return
	}

	now := time.Now().UTC()
	if errUpdate := h.db.WithContext(ctx).Model(&row).Updates(map[string]any{
		"status":     models.APIKeyStatusRevoked,
		"revoked_at": now,
	}).Error; errUpdate != nil {
		internalError(c, "revoke failed")
		return
	}
	if h.cache != nil {
		h.cache.Invalidate(ctx, row.KeyHash)
	}
	row.Status = models.APIKeyStatusRevoked
	row.RevokedAt = &now
	log.WithFields(log.Fields{"api_key_id": row.ID, "user_id": row.UserID, "admin_id": actorID(c)}).Info("admin revoked api key")
	c.JSON(http.StatusOK, adminKeyRow(&row))
}

func adminKeyRow(row *models.APIKey) gin.H {
	return gin.H{
		"id":           row.ID,
		"user_id":      row.UserID,
		"name":         row.Name,
		"key_prefix":   row.KeyPrefix,
		"status":       row.Status,
		"quota_limit":  row.QuotaLimit,
		"total_usage":  row.TotalUsage,
		"last_used_at": row.LastUsedAt,
		"revoked_at":   row.RevokedAt,
		"created_at":   row.CreatedAt,
	}
}
