package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"gorm.io/gorm"
)

// PackageHandler manages the package catalog.
type PackageHandler struct {
	db *gorm.DB
}

// NewPackageHandler constructs a PackageHandler.
func NewPackageHandler(db *gorm.DB) *PackageHandler {
	return &PackageHandler{db: db}
}

// packageRequest captures create and update payloads.
type packageRequest struct {
	Name         *string  `json:"name"`
	Description  *string  `json:"description"`
	Price        *float64 `json:"price"`
	DurationDays *int     `json:"duration_days"`
	DailyLimit   *float64 `json:"daily_limit"`
	Stock        *int     `json:"stock"`
	SortOrder    *int     `json:"sort_order"`
	Status       *string  `json:"status"`
}

func (b *packageRequest) apply(row *models.Package) error {
	if b.Name != nil {
		row.Name = strings.TrimSpace(*b.Name)
	}
	if b.Description != nil {
		row.Description = strings.TrimSpace(*b.Description)
	}
	if b.Price != nil {
		row.Price = *b.Price
	}
	if b.DurationDays != nil {
		row.DurationDays = *b.DurationDays
	}
	if b.DailyLimit != nil {
		row.DailyLimit = *b.DailyLimit
	}
	if b.Stock != nil {
		row.Stock = *b.Stock
	}
	if b.SortOrder != nil {
		row.SortOrder = *b.SortOrder
	}
	if b.Status != nil {
		row.Status = models.PackageStatus(strings.TrimSpace(*b.Status))
	}

	switch {
	case row.Name == "":
		return errors.New("name is required")
	case row.Price < 0:
		return errors.New("price must be non-negative")
	case row.DurationDays < 1:
		return errors.New("duration_days must be at least 1")
	case row.DailyLimit <= 0:
		return errors.New("daily_limit must be positive")
	case row.Stock < -1:
		return errors.New("stock must be -1 or more")
	case row.Status != models.PackageStatusActive && row.Status != models.PackageStatusInactive:
		return errors.New("invalid status")
	}
	return nil
}

// List returns every package, including inactive ones.
func (h *PackageHandler) List(c *gin.Context) {
	var rows []models.Package
	if errFind := h.db.WithContext(c.Request.Context()).Order("sort_order ASC").Order("id ASC").Find(&rows).Error; errFind != nil {
		internalError(c, "list packages failed")
		return
	}
	items := make([]gin.H, 0, len(rows))
	for i := range rows {
		items = append(items, packageRow(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// Create adds a package to the catalog.
func (h *PackageHandler) Create(c *gin.Context) {
	var body packageRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid json")
		return
	}
	row := models.Package{Stock: -1, Status: models.PackageStatusActive}
	if errApply := body.apply(&row); errApply != nil {
		badRequest(c, errApply.Error())
		return
	}
	ctx := c.Request.Context()
	stock := row.Stock
	if errCreate := h.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		internalError(c, "create package failed")
		return
	}
	// A zero stock is replaced by the column default on insert.
	if row.Stock != stock {
		if errUpdate := h.db.WithContext(ctx).Model(&row).Update("stock", stock).Error; errUpdate != nil {
			internalError(c, "create package failed")
			return
		}
		row.Stock = stock
	}
	c.JSON(http.StatusCreated, packageRow(&row))
}

// Update edits a package. Existing subscriptions keep the values copied at purchase.
func (h *PackageHandler) Update(c *gin.Context) {
	row, ok := h.load(c)
	if !ok {
		return
	}
	var body packageRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid json")
		return
	}
	if errApply := body.apply(row); errApply != nil {
		badRequest(c, errApply.Error())
		return
	}
	if errSave := h.db.WithContext(c.Request.Context()).Model(row).Select(
		"name", "description", "price", "duration_days", "daily_limit", "stock", "sort_order", "status",
	).Updates(row).Error; errSave != nil {
		internalError(c, "update package failed")
		return
	}
	c.JSON(http.StatusOK, packageRow(row))
}

// Delete removes a package that was never sold; sold packages are deactivated instead.
func (h *PackageHandler) Delete(c *gin.Context) {
	row, ok := h.load(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	var subscriptions int64
	if errCount := h.db.WithContext(ctx).Model(&models.UserPackage{}).Where("package_id = ?", row.ID).Count(&subscriptions).Error; errCount != nil {
		internalError(c, "count subscriptions failed")
		return
	}
	if subscriptions > 0 || row.SoldCount > 0 {
		if errUpdate := h.db.WithContext(ctx).Model(row).Update("status", models.PackageStatusInactive).Error; errUpdate != nil {
			internalError(c, "deactivate package failed")
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": false, "deactivated": true})
		return
	}
	if errDelete := h.db.WithContext(ctx).Delete(row).Error; errDelete != nil {
		internalError(c, "delete package failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *PackageHandler) load(c *gin.Context) (*models.Package, bool) {
	id, ok := parseID(c)
	if !ok {
		return nil, false
	}
	var row models.Package
	if errFind := h.db.WithContext(c.Request.Context()).First(&row, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			notFound(c, "package not found")
			return nil, false
		}
		internalError(c, "fetch package failed")
		return nil, false
	}
	return &row, true
}

func packageRow(row *models.Package) gin.H {
	return gin.H{
		"id":            row.ID,
		"name":          row.Name,
		"description":   row.Description,
		"price":         row.Price,
		"duration_days": row.DurationDays,
		"daily_limit":   row.DailyLimit,
		"stock":         row.Stock,
		"sold_count":    row.SoldCount,
		"sort_order":    row.SortOrder,
		"status":        row.Status,
		"created_at":    row.CreatedAt,
		"updated_at":    row.UpdatedAt,
	}
}

// listSubscriptionsQuery defines query parameters for the subscription list.
type listSubscriptionsQuery struct {
	pageQuery
	UserID uint64 `form:"user_id"`
	Status string `form:"status"`
}

// Subscriptions lists user packages across all users, newest first.
func (h *PackageHandler) Subscriptions(c *gin.Context) {
	var q listSubscriptionsQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		badRequest(c, "invalid query")
		return
	}
	q.normalize()

	ctx := c.Request.Context()
	query := h.db.WithContext(ctx).Model(&models.UserPackage{})
	if q.UserID != 0 {
		query = query.Where("user_id = ?", q.UserID)
	}
	if status := strings.TrimSpace(q.Status); status != "" {
		switch models.UserPackageStatus(status) {
		case models.UserPackageStatusActive, models.UserPackageStatusExpired, models.UserPackageStatusSwitched:
		default:
			badRequest(c, "invalid status")
			return
		}
		query = query.Where("status = ?", status)
	}

	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		internalError(c, "count subscriptions failed")
		return
	}
	var rows []models.UserPackage
	if errFind := query.Order("created_at DESC").Order("id DESC").
		Offset((q.Page - 1) * q.PageSize).Limit(q.PageSize).
		Find(&rows).Error; errFind != nil {
		internalError(c, "list subscriptions failed")
		return
	}

	userIDs := make([]uint64, 0, len(rows))
	for i := range rows {
		userIDs = append(userIDs, rows[i].UserID)
	}
	owners := make(map[uint64]models.User, len(userIDs))
	if len(userIDs) > 0 {
		var users []models.User
		if errUsers := h.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&users).Error; errUsers != nil {
			internalError(c, "load users failed")
			return
		}
		for _, u := range users {
			owners[u.ID] = u
		}
	}

	items := make([]gin.H, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		owner := owners[row.UserID]
		items = append(items, gin.H{
			"id":            row.ID,
			"user_id":       row.UserID,
			"username":      owner.Username,
			"email":         owner.Email,
			"package_id":    row.PackageID,
			"order_id":      row.OrderID,
			"package_name":  row.PackageName,
			"package_price": row.PackagePrice,
			"duration_days": row.DurationDays,
			"daily_limit":   row.DailyLimit,
			"start_at":      row.StartAt,
			"end_at":        row.EndAt,
			"status":        row.Status,
			"created_at":    row.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total, "page": q.Page, "page_size": q.PageSize})
}
