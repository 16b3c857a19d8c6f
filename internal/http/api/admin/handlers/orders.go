package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	internalhttp "github.com/router-for-me/MeteredGateway/internal/http"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/order"
	log "github.com/sirupsen/logrus"
)

// OrderHandler lists orders and lets admins fail stuck ones.
type OrderHandler struct {
	orders *order.Engine
}

// NewOrderHandler constructs an OrderHandler.
func NewOrderHandler(orders *order.Engine) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// listOrdersQuery defines admin order filters.
type listOrdersQuery struct {
	pageQuery
	UserID uint64 `form:"user_id"`
	Status string `form:"status"`
	Type   string `form:"type"`
}

// List returns orders across users.
func (h *OrderHandler) List(c *gin.Context) {
	var q listOrdersQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		badRequest(c, "invalid query")
		return
	}
	page, errList := h.orders.List(c.Request.Context(), order.Filter{
		UserID:   q.UserID,
		Status:   q.Status,
		Type:     q.Type,
		Page:     q.Page,
		PageSize: q.PageSize,
	})
	if errList != nil {
		internalhttp.WriteAPIError(c, errList)
		return
	}
	items := make([]gin.H, 0, len(page.Items))
	for i := range page.Items {
		items = append(items, orderRow(&page.Items[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": page.Total, "page": page.Page, "page_size": page.PageSize})
}

// Stats counts orders by status with paid revenue.
func (h *OrderHandler) Stats(c *gin.Context) {
	stats, errStats := h.orders.Stats(c.Request.Context())
	if errStats != nil {
		internalhttp.WriteAPIError(c, errStats)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// MarkFailed moves a pending order to failed.
func (h *OrderHandler) MarkFailed(c *gin.Context) {
	orderNo := strings.TrimSpace(c.Param("order_no"))
	ctx := c.Request.Context()
	if errFail := h.orders.MarkFailed(ctx, orderNo); errFail != nil {
		internalhttp.WriteAPIError(c, errFail)
		return
	}
	row, errGet := h.orders.Get(ctx, 0, orderNo)
	if errGet != nil {
		internalhttp.WriteAPIError(c, errGet)
		return
	}
	log.WithFields(log.Fields{"order_no": orderNo, "admin_id": actorID(c)}).Info("admin failed order")
	c.JSON(http.StatusOK, orderRow(row))
}

func orderRow(row *models.Order) gin.H {
	return gin.H{
		"id":              row.ID,
		"order_no":        row.OrderNo,
		"user_id":         row.UserID,
		"package_id":      row.PackageID,
		"type":            row.Type,
		"amount":          row.Amount,
		"original_amount": row.OriginalAmount,
		"discount_amount": row.DiscountAmount,
		"credit_amount":   row.CreditAmount,
		"coupon_code":     row.CouponCode,
		"status":          row.Status,
		"payment_method":  row.PaymentMethod,
		"trade_no":        row.TradeNo,
		"created_at":      row.CreatedAt,
		"paid_at":         row.PaidAt,
	}
}
