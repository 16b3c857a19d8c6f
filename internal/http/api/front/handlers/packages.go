package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	internalhttp "github.com/router-for-me/MeteredGateway/internal/http"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/order"
	"gorm.io/gorm"
)

// PackageHandler serves the package catalog and package orders.
type PackageHandler struct {
	db     *gorm.DB
	orders *order.Engine
}

// NewPackageHandler constructs a PackageHandler.
func NewPackageHandler(db *gorm.DB, orders *order.Engine) *PackageHandler {
	return &PackageHandler{db: db, orders: orders}
}

// List returns the active catalog.
func (h *PackageHandler) List(c *gin.Context) {
	var rows []models.Package
	if errFind := h.db.WithContext(c.Request.Context()).
		Where("status = ?", models.PackageStatusActive).
		Order("sort_order ASC").Order("id ASC").
		Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed", "code": "internal_error"})
		return
	}
	items := make([]gin.H, 0, len(rows))
	for i := range rows {
		items = append(items, packageRow(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// packageOrderRequest defines the request body for purchase and switch.
type packageOrderRequest struct {
	CouponCode string `json:"coupon_code"`
}

// Purchase buys a package for a user with no active subscription.
func (h *PackageHandler) Purchase(c *gin.Context) {
	h.placeOrder(c, h.orders.Purchase)
}

// Switch moves the user's active subscription to another package.
func (h *PackageHandler) Switch(c *gin.Context) {
	h.placeOrder(c, h.orders.Switch)
}

func (h *PackageHandler) placeOrder(c *gin.Context, place func(ctx context.Context, userID, packageID uint64, couponCode string) (*order.Result, error)) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	packageID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var body packageOrderRequest
	if c.Request.ContentLength > 0 {
		if errBind := c.ShouldBindJSON(&body); errBind != nil {
			badRequest(c, "invalid json")
			return
		}
	}
	result, errPlace := place(c.Request.Context(), userID, packageID, strings.TrimSpace(body.CouponCode))
	if errPlace != nil {
		internalhttp.WriteAPIError(c, errPlace)
		return
	}
	c.JSON(http.StatusCreated, orderResultRow(result))
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
		"available":     row.Status == models.PackageStatusActive && row.Stock != 0,
	}
}
