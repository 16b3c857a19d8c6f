package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/order"
	"github.com/router-for-me/MeteredGateway/internal/security"
	"gorm.io/gorm"
)

const generatedCouponLength = 10

// CouponHandler manages discount coupons.
type CouponHandler struct {
	db *gorm.DB
}

// NewCouponHandler constructs a CouponHandler.
func NewCouponHandler(db *gorm.DB) *CouponHandler {
	return &CouponHandler{db: db}
}

// couponRequest captures create and update payloads.
type couponRequest struct {
	Code       *string    `json:"code"`
	Type       *string    `json:"type"`
	Value      *float64   `json:"value"`
	MaxUses    *int       `json:"max_uses"`
	MinAmount  *float64   `json:"min_amount"`
	ValidFrom  *time.Time `json:"valid_from"`
	ValidUntil *time.Time `json:"valid_until"`
	Status     *string    `json:"status"`
}

func (b *couponRequest) apply(row *models.Coupon) error {
	if b.Type != nil {
		row.Type = models.CouponType(strings.TrimSpace(*b.Type))
	}
	if b.Value != nil {
		row.Value = *b.Value
	}
	if b.MaxUses != nil {
		row.MaxUses = *b.MaxUses
	}
	if b.MinAmount != nil {
		row.MinAmount = *b.MinAmount
	}
	if b.ValidFrom != nil {
		from := b.ValidFrom.UTC()
		row.ValidFrom = &from
	}
	if b.ValidUntil != nil {
		until := b.ValidUntil.UTC()
		row.ValidUntil = &until
	}
	if b.Status != nil {
		row.Status = models.CouponStatus(strings.TrimSpace(*b.Status))
	}

	switch {
	case row.Type != models.CouponTypeFixed && row.Type != models.CouponTypePercent:
		return errors.New("type must be fixed or percent")
	case row.Value <= 0:
		return errors.New("value must be positive")
	case row.Type == models.CouponTypePercent && row.Value > 100:
		return errors.New("percent value must not exceed 100")
	case row.MaxUses < 0:
		return errors.New("max_uses must be non-negative")
	case row.MinAmount < 0:
		return errors.New("min_amount must be non-negative")
	case row.ValidFrom != nil && row.ValidUntil != nil && !row.ValidUntil.After(*row.ValidFrom):
		return errors.New("valid_until must be after valid_from")
	case row.Status != models.CouponStatusActive && row.Status != models.CouponStatusInactive:
		return errors.New("invalid status")
	}
	return nil
}

// List returns coupons, newest first.
func (h *CouponHandler) List(c *gin.Context) {
	var q pageQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		badRequest(c, "invalid query")
		return
	}
	q.normalize()
	query := h.db.WithContext(c.Request.Context()).Model(&models.Coupon{})
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		query = query.Where("status = ?", status)
	}
	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		internalError(c, "count coupons failed")
		return
	}
	var rows []models.Coupon
	if errFind := query.Order("id DESC").Offset((q.Page - 1) * q.PageSize).Limit(q.PageSize).Find(&rows).Error; errFind != nil {
		internalError(c, "list coupons failed")
		return
	}
	items := make([]gin.H, 0, len(rows))
	for i := range rows {
		items = append(items, couponRow(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total, "page": q.Page, "page_size": q.PageSize})
}

// Create adds a coupon. A random code is generated when none is given.
func (h *CouponHandler) Create(c *gin.Context) {
	var body couponRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid json")
		return
	}
	row := models.Coupon{Status: models.CouponStatusActive}
	if body.Code != nil {
		row.Code = order.NormalizeCode(*body.Code)
	}
	if row.Code == "" {
		generated, errGenerate := security.GenerateRandomString(generatedCouponLength)
		if errGenerate != nil {
			internalError(c, "generate code failed")
			return
		}
		row.Code = order.NormalizeCode(generated)
	}
	if errApply := body.apply(&row); errApply != nil {
		badRequest(c, errApply.Error())
		return
	}

	ctx := c.Request.Context()
	var exists int64
	if errCount := h.db.WithContext(ctx).Model(&models.Coupon{}).Where("code = ?", row.Code).Count(&exists).Error; errCount != nil {
		internalError(c, "query coupon failed")
		return
	}
	if exists > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "coupon code already exists", "code": "conflict"})
		return
	}
	if errCreate := h.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		internalError(c, "create coupon failed")
		return
	}
	c.JSON(http.StatusCreated, couponRow(&row))
}

// Update edits a coupon. The code cannot change.
func (h *CouponHandler) Update(c *gin.Context) {
	row, ok := h.load(c)
	if !ok {
		return
	}
	var body couponRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid json")
		return
	}
	if errApply := body.apply(row); errApply != nil {
		badRequest(c, errApply.Error())
		return
	}
	if errSave := h.db.WithContext(c.Request.Context()).Model(row).Select(
		"type", "value", "max_uses", "min_amount", "valid_from", "valid_until", "status",
	).Updates(row).Error; errSave != nil {
		internalError(c, "update coupon failed")
		return
	}
	c.JSON(http.StatusOK, couponRow(row))
}

// Delete removes an unused coupon; redeemed coupons are deactivated instead.
func (h *CouponHandler) Delete(c *gin.Context) {
	row, ok := h.load(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if row.UsedCount > 0 {
		if errUpdate := h.db.WithContext(ctx).Model(row).Update("status", models.CouponStatusInactive).Error; errUpdate != nil {
			internalError(c, "deactivate coupon failed")
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": false, "deactivated": true})
		return
	}
	if errDelete := h.db.WithContext(ctx).Delete(row).Error; errDelete != nil {
		internalError(c, "delete coupon failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *CouponHandler) load(c *gin.Context) (*models.Coupon, bool) {
	id, ok := parseID(c)
	if !ok {
		return nil, false
	}
	var row models.Coupon
	if errFind := h.db.WithContext(c.Request.Context()).First(&row, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			notFound(c, "coupon not found")
			return nil, false
		}
		internalError(c, "fetch coupon failed")
		return nil, false
	}
	return &row, true
}

func couponRow(row *models.Coupon) gin.H {
	return gin.H{
		"id":          row.ID,
		"code":        row.Code,
		"type":        row.Type,
		"value":       row.Value,
		"max_uses":    row.MaxUses,
		"used_count":  row.UsedCount,
		"min_amount":  row.MinAmount,
		"valid_from":  row.ValidFrom,
		"valid_until": row.ValidUntil,
		"status":      row.Status,
		"created_at":  row.CreatedAt,
	}
}
