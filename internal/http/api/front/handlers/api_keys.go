package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/security"
	"gorm.io/gorm"
)

const maxKeysPerUser = 50

// keyCache drops cached authentication results for a key hash.
type keyCache interface {
	Invalidate(ctx context.Context, hash string)
}

// APIKeyHandler handles API key endpoints for front users.
type APIKeyHandler struct {
	db    *gorm.DB
	cache keyCache
}

// NewAPIKeyHandler constructs an APIKeyHandler. cache may be nil.
func NewAPIKeyHandler(db *gorm.DB, cache keyCache) *APIKeyHandler {
	return &APIKeyHandler{db: db, cache: cache}
}

// listAPIKeysQuery defines query parameters for listing API keys.
type listAPIKeysQuery struct {
	Page   int    `form:"page,default=1"`
	Limit  int    `form:"limit,default=20"`
	Search string `form:"search"`
	Status string `form:"status"`
}

// List returns a paginated list of the user's API keys.
func (h *APIKeyHandler) List(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var q listAPIKeysQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		badRequest(c, "invalid query")
		return
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > 100 {
		q.Limit = 20
	}

	query := h.db.WithContext(c.Request.Context()).Model(&models.APIKey{}).Where("user_id = ?", userID)
	if q.Search != "" {
		search := "%" + strings.ToLower(q.Search) + "%"
		query = query.Where("LOWER(name) LIKE ? OR LOWER(key_prefix) LIKE ?", search, search)
	}
	switch models.APIKeyStatus(q.Status) {
	case models.APIKeyStatusActive, models.APIKeyStatusRevoked:
		query = query.Where("status = ?", q.Status)
	}

	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count failed", "code": "internal_error"})
		return
	}

	var rows []models.APIKey
	offset := (q.Page - 1) * q.Limit
	if errFind := query.Order("created_at DESC").Order("id DESC").Offset(offset).Limit(q.Limit).Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed", "code": "internal_error"})
		return
	}

	items := make([]gin.H, 0, len(rows))
	for i := range rows {
		items = append(items, apiKeyRow(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total, "page": q.Page, "limit": q.Limit})
}

// apiKeyRow serializes a key without its hash.
func apiKeyRow(row *models.APIKey) gin.H {
	return gin.H{
		"id":           row.ID,
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

// apiKeyRequest defines the request body for creating or updating an API key.
type apiKeyRequest struct {
	Name       *string  `json:"name"`
	QuotaLimit *float64 `json:"quota_limit"`
	ClearQuota bool     `json:"clear_quota"`
}

// Create issues a new API key. The secret is returned only here.
func (h *APIKeyHandler) Create(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var body apiKeyRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid json")
		return
	}
	name := ""
	if body.Name != nil {
		name = strings.TrimSpace(*body.Name)
	}
	if name == "" {
		name = "default"
	}
	if body.QuotaLimit != nil && *body.QuotaLimit < 0 {
		badRequest(c, "quota_limit must be non-negative")
		return
	}

	ctx := c.Request.Context()
	var count int64
	if errCount := h.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("user_id = ? AND status = ?", userID, models.APIKeyStatusActive).
		Count(&count).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count failed", "code": "internal_error"})
		return
	}
	if count >= maxKeysPerUser {
		badRequest(c, "too many active api keys")
		return
	}

	generated, errGenerate := security.GenerateAPIKey()
	if errGenerate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate key failed", "code": "internal_error"})
		return
	}
	row := models.APIKey{
		UserID:     userID,
		Name:       name,
		KeyHash:    generated.Hash,
		KeyPrefix:  generated.Prefix,
		Status:     models.APIKeyStatusActive,
		QuotaLimit: body.QuotaLimit,
	}
	if errCreate := h.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create key failed", "code": "internal_error"})
		return
	}

	out := apiKeyRow(&row)
	out["key"] = generated.Secret
	c.JSON(http.StatusCreated, out)
}

// Update renames a key or changes its quota.
func (h *APIKeyHandler) Update(c *gin.Context) {
	row, ok := h.loadOwned(c)
	if !ok {
		return
	}
	var body apiKeyRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid json")
		return
	}

	updates := map[string]any{}
	if body.Name != nil {
		name := strings.TrimSpace(*body.Name)
		if name == "" {
			badRequest(c, "name must not be empty")
			return
		}
		updates["name"] = name
	}
	switch {
	case body.ClearQuota:
		updates["quota_limit"] = nil
	case body.QuotaLimit != nil:
		if *body.QuotaLimit < 0 {
			badRequest(c, "quota_limit must be non-negative")
			return
		}
		updates["quota_limit"] = *body.QuotaLimit
	}
	if len(updates) == 0 {
		badRequest(c, "nothing to update")
		return
	}

	ctx := c.Request.Context()
	if errUpdate := h.db.WithContext(ctx).Model(row).Updates(updates).Error; errUpdate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed", "code": "internal_error"})
		return
	}
	h.invalidate(ctx, row.KeyHash)
	if errReload := h.db.WithContext(ctx).First(row, row.ID).Error; errReload != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed", "code": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, apiKeyRow(row))
}

// Revoke disables a key. Revocation is permanent; the row stays for usage history.
func (h *APIKeyHandler) Revoke(c *gin.Context) {
	row, ok := h.loadOwned(c)
	if !ok {
		return
	}
	if row.Status == models.APIKeyStatusRevoked {
		c.JSON(http.StatusOK, apiKeyRow(row))
		return
	}

	ctx := c.Request.Context()
	now := time.Now().UTC()
	if errUpdate := h.db.WithContext(ctx).Model(row).Updates(map[string]any{
		"status":     models.APIKeyStatusRevoked,
		"revoked_at": now,
	}).Error; errUpdate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revoke failed", "code": "internal_error"})
		return
	}
	h.invalidate(ctx, row.KeyHash)
	row.Status = models.APIKeyStatusRevoked
	row.RevokedAt = &now
	c.JSON(http.StatusOK, apiKeyRow(row))
}

func (h *APIKeyHandler) loadOwned(c *gin.Context) (*models.APIKey, bool) {
	userID, ok := requireUserID(c)
	if !ok {
		return nil, false
	}
	id, ok := parseIDParam(c, "id")
	if !ok {
		return nil, false
	}
	var row models.APIKey
	if errFind := h.db.WithContext(c.Request.Context()).
		Where("id = ? AND user_id = ?", id, userID).
		First(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "api key not found", "code": "not_found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed", "code": "internal_error"})
		return nil, false
	}
	return &row, true
}

func (h *APIKeyHandler) invalidate(ctx context.Context, hash string) {
	if h.cache != nil {
		h.cache.Invalidate(ctx, hash)
	}
}
