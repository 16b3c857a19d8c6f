package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	internalhttp "github.com/router-for-me/MeteredGateway/internal/http"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/order"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// OrderHandler serves recharges, coupon quotes, order history and payment callbacks.
type OrderHandler struct {
	orders *order.Engine
}

// NewOrderHandler constructs an OrderHandler.
func NewOrderHandler(orders *order.Engine) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// rechargeRequest defines the request body for a balance recharge.
type rechargeRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Recharge creates a balance top-up order and returns the payment redirect.
func (h *OrderHandler) Recharge(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	var body rechargeRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid json")
		return
	}
	result, errRecharge := h.orders.Recharge(c.Request.Context(), userID, body.Amount)
	if errRecharge != nil {
		internalhttp.WriteAPIError(c, errRecharge)
		return
	}
	c.JSON(http.StatusCreated, orderResultRow(result))
}

// couponQuoteRequest defines the request body for coupon validation.
type couponQuoteRequest struct {
	Code   string          `json:"code"`
	Amount decimal.Decimal `json:"amount"`
}

// ValidateCoupon quotes a coupon against an amount without consuming it.
func (h *OrderHandler) ValidateCoupon(c *gin.Context) {
	if _, ok := requireUserID(c); !ok {
		return
	}
	var body couponQuoteRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid json")
		return
	}
	quote, errQuote := h.orders.ApplyCoupon(c.Request.Context(), body.Code, body.Amount)
	if errQuote != nil {
		internalhttp.WriteAPIError(c, errQuote)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":            quote.Code,
		"original_amount": quote.Original.InexactFloat64(),
		"discount_amount": quote.Discount.InexactFloat64(),
		"final_amount":    quote.Discounted.InexactFloat64(),
	})
}

// listOrdersQuery defines query parameters for order listing.
type listOrdersQuery struct {
	Page     int    `form:"page,default=1"`
	PageSize int    `form:"page_size,default=20"`
	Status   string `form:"status"`
	Type     string `form:"type"`
}

// List returns the user's orders, newest first.
func (h *OrderHandler) List(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	var q listOrdersQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		badRequest(c, "invalid query")
		return
	}
	page, errList := h.orders.List(c.Request.Context(), order.Filter{
		UserID:   userID,
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

// Get returns one of the user's orders by order number.
func (h *OrderHandler) Get(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	row, errGet := h.orders.Get(c.Request.Context(), userID, strings.TrimSpace(c.Param("order_no")))
	if errGet != nil {
		internalhttp.WriteAPIError(c, errGet)
		return
	}
	c.JSON(http.StatusOK, orderRow(row))
}

// Notify handles the payment processor's asynchronous callback. The processor expects a
// plain "success" body once the notification is accepted.
func (h *OrderHandler) Notify(c *gin.Context) {
	if errParse := c.Request.ParseForm(); errParse != nil {
		c.String(http.StatusBadRequest, "fail")
		return
	}
	row, errNotify := h.orders.HandleNotify(c.Request.Context(), c.Request.Form)
	if errNotify != nil {
		log.WithError(errNotify).WithField("out_trade_no", c.Request.Form.Get("out_trade_no")).Warn("payment notify rejected")
		c.String(http.StatusBadRequest, "fail")
		return
	}
	log.WithFields(log.Fields{"order_no": row.OrderNo, "status": row.Status}).Info("payment notify accepted")
	c.String(http.StatusOK, "success")
}

func orderResultRow(result *order.Result) gin.H {
	out := gin.H{
		"completed":      result.Completed,
		"balance_credit": result.BalanceCredit.InexactFloat64(),
		"order":          nil,
		"redirect":       nil,
	}
	if result.Order != nil {
		out["order"] = orderRow(result.Order)
	}
	if result.Redirect != nil {
		out["redirect"] = result.Redirect
	}
	return out
}

func orderRow(row *models.Order) gin.H {
	return gin.H{
		"id":                   row.ID,
		"order_no":             row.OrderNo,
		"package_id":           row.PackageID,
		"from_user_package_id": row.FromUserPackageID,
		"type":                 row.Type,
		"amount":               row.Amount,
		"original_amount":      row.OriginalAmount,
		"discount_amount":      row.DiscountAmount,
		"credit_amount":        row.CreditAmount,
		"coupon_code":          row.CouponCode,
		"status":               row.Status,
		"payment_method":       row.PaymentMethod,
		"trade_no":             row.TradeNo,
		"created_at":           row.CreatedAt,
		"paid_at":              row.PaidAt,
	}
}
