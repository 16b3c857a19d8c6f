package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MeteredGateway/internal/billing"
	internalhttp "github.com/router-for-me/MeteredGateway/internal/http"
	"github.com/router-for-me/MeteredGateway/internal/models"
)

// AccountHandler serves balance, transaction and package state for the current user.
type AccountHandler struct {
	billing *billing.Service
}

// NewAccountHandler constructs an AccountHandler.
func NewAccountHandler(billingService *billing.Service) *AccountHandler {
	return &AccountHandler{billing: billingService}
}

// Balance returns the balance with today's package allowance.
func (h *AccountHandler) Balance(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	state, errState := h.billing.DailyState(c.Request.Context(), userID, h.billing.Clock().Now())
	if errState != nil {
		internalhttp.WriteAPIError(c, errState)
		return
	}
	out := gin.H{
		"balance":           state.Balance,
		"day":               state.Day,
		"used_amount":       state.UsedAmount,
		"total_used_amount": state.TotalUsedAmount,
		"daily_limit":       state.DailyLimit,
		"remaining":         state.Remaining,
		"global_limit":      state.GlobalLimit,
		"package":           nil,
	}
	if state.Package != nil {
		out["package"] = userPackageRow(state.Package)
	}
	c.JSON(http.StatusOK, out)
}

// transactionsQuery defines query parameters for transaction listing.
type transactionsQuery struct {
	Page     int    `form:"page,default=1"`
	PageSize int    `form:"page_size,default=20"`
	Type     string `form:"type"`
}

// Transactions lists the user's balance movements.
func (h *AccountHandler) Transactions(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	var q transactionsQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		badRequest(c, "invalid query")
		return
	}
	page, errPage := h.billing.Transactions(c.Request.Context(), userID, q.Type, q.Page, q.PageSize)
	if errPage != nil {
		internalhttp.WriteAPIError(c, errPage)
		return
	}
	items := make([]gin.H, 0, len(page.Items))
	for i := range page.Items {
		items = append(items, transactionRow(&page.Items[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": page.Total, "page": page.Page, "page_size": page.PageSize})
}

// dailyUsageQuery defines query parameters for the daily usage history.
type dailyUsageQuery struct {
	Days int `form:"days,default=30"`
}

// DailyUsage returns today's position followed by recent daily counters.
func (h *AccountHandler) DailyUsage(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	var q dailyUsageQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		badRequest(c, "invalid query")
		return
	}
	ctx := c.Request.Context()
	state, errState := h.billing.DailyState(ctx, userID, h.billing.Clock().Now())
	if errState != nil {
		internalhttp.WriteAPIError(c, errState)
		return
	}
	rows, errHistory := h.billing.DailyHistory(ctx, userID, q.Days)
	if errHistory != nil {
		internalhttp.WriteAPIError(c, errHistory)
		return
	}
	history := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		history = append(history, gin.H{
			"day":               row.Day,
			"used_amount":       row.UsedAmount,
			"total_used_amount": row.TotalUsedAmount,
			"user_package_id":   row.UserPackageID,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"today": gin.H{
			"day":               state.Day,
			"used_amount":       state.UsedAmount,
			"total_used_amount": state.TotalUsedAmount,
			"daily_limit":       state.DailyLimit,
			"remaining":         state.Remaining,
			"global_limit":      state.GlobalLimit,
		},
		"history": history,
	})
}

// Packages lists every subscription the user has held, newest first.
func (h *AccountHandler) Packages(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	rows, errList := h.billing.UserPackages(c.Request.Context(), userID)
	if errList != nil {
		internalhttp.WriteAPIError(c, errList)
		return
	}
	items := make([]gin.H, 0, len(rows))
	for i := range rows {
		items = append(items, userPackageRow(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func transactionRow(row *models.Transaction) gin.H {
	return gin.H{
		"id":            row.ID,
		"amount":        row.Amount,
		"balance_after": row.BalanceAfter,
		"type":          row.Type,
		"description":   row.Description,
		"reference":     row.Reference,
		"created_at":    row.CreatedAt,
	}
}

func userPackageRow(row *models.UserPackage) gin.H {
	return gin.H{
		"id":            row.ID,
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
	}
}
