package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MeteredGateway/internal/billing"
	dbutil "github.com/router-for-me/MeteredGateway/internal/db"
	internalhttp "github.com/router-for-me/MeteredGateway/internal/http"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// UserCache drops cached API key authentications.
type UserCache interface {
	Invalidate(ctx context.Context, hash string)
	InvalidateUser(ctx context.Context, userID uint64)
}

// UserHandler manages users, their status and balance adjustments.
type UserHandler struct {
	db      *gorm.DB
	billing *billing.Service
	cache   UserCache
}

// NewUserHandler constructs a UserHandler. cache may be nil.
func NewUserHandler(db *gorm.DB, billingService *billing.Service, cache UserCache) *UserHandler {
	return &UserHandler{db: db, billing: billingService, cache: cache}
}

// listUsersQuery defines query parameters for the user list.
type listUsersQuery struct {
	pageQuery
	Keyword string `form:"keyword"`
	Status  string `form:"status"`
	Role    string `form:"role"`
}

// List returns users filtered by keyword, status and role.
func (h *UserHandler) List(c *gin.Context) {
	var q listUsersQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		badRequest(c, "invalid query")
		return
	}
	q.normalize()

	query := h.db.WithContext(c.Request.Context()).Model(&models.User{})
	if keyword := strings.TrimSpace(q.Keyword); keyword != "" {
		usernameExpr, pattern := dbutil.ContainsFilter(h.db, "username", keyword)
		emailExpr, _ := dbutil.ContainsFilter(h.db, "email", keyword)
		query = query.Where(usernameExpr+" OR "+emailExpr, pattern, pattern)
	}
	if status := strings.TrimSpace(q.Status); status != "" {
		query = query.Where("status = ?", status)
	}
	if role := strings.TrimSpace(q.Role); role != "" {
		query = query.Where("role = ?", role)
	}

	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		internalError(c, "count users failed")
		return
	}
	var rows []models.User
	if errFind := query.Order("id DESC").Offset((q.Page - 1) * q.PageSize).Limit(q.PageSize).Find(&rows).Error; errFind != nil {
		internalError(c, "list users failed")
		return
	}
	items := make([]gin.H, 0, len(rows))
	for i := range rows {
		items = append(items, userRow(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total, "page": q.Page, "page_size": q.PageSize})
}

// Get returns a user with today's spend position and key count.
func (h *UserHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	var user models.User
	if errFind := h.db.WithContext(ctx).First(&user, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			notFound(c, "user not found")
			return
		}
		internalError(c, "fetch user failed")
		return
	}
	state, errState := h.billing.DailyState(ctx, id, h.billing.Clock().Now())
	if errState != nil {
		internalhttp.WriteAPIError(c, errState)
		return
	}
	var keyCount int64
	if errCount := h.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("user_id = ? AND status = ?", id, models.APIKeyStatusActive).
		Count(&keyCount).Error; errCount != nil {
		internalError(c, "count keys failed")
		return
	}

	out := userRow(&user)
	out["active_keys"] = keyCount
	out["today"] = gin.H{
		"day":               state.Day,
		"used_amount":       state.UsedAmount,
		"total_used_amount": state.TotalUsedAmount,
		"daily_limit":       state.DailyLimit,
		"remaining":         state.Remaining,
	}
	if state.Package != nil {
		out["package"] = gin.H{
			"id":           state.Package.ID,
			"package_name": state.Package.PackageName,
			"daily_limit":  state.Package.DailyLimit,
			"end_at":       state.Package.EndAt,
		}
	}
	c.JSON(http.StatusOK, out)
}

// updateStatusRequest captures a status change.
type updateStatusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus suspends, bans or reactivates a user. Cached keys of the user are dropped.
func (h *UserHandler) UpdateStatus(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var body updateStatusRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid json")
		return
	}
	status := models.UserStatus(strings.TrimSpace(body.Status))
	switch status {
	case models.UserStatusActive, models.UserStatusSuspended, models.UserStatusBanned:
	default:
		badRequest(c, "invalid status")
		return
	}
	if id == actorID(c) && status != models.UserStatusActive {
		badRequest(c, "cannot deactivate yourself")
		return
	}
	h.updateField(c, id, "status", status)
}

// updateRoleRequest captures a role change.
type updateRoleRequest struct {
	Role string `json:"role"`
}

// UpdateRole changes a user's role.
func (h *UserHandler) UpdateRole(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var body updateRoleRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid json")
		return
	}
	role := models.UserRole(strings.TrimSpace(body.Role))
	switch role {
	case models.UserRoleUser, models.UserRoleAdmin, models.UserRoleSuperAdmin:
	default:
		badRequest(c, "invalid role")
		return
	}
	if id == actorID(c) {
		badRequest(c, "cannot change your own role")
		return
	}
	h.updateField(c, id, "role", role)
}

func (h *UserHandler) updateField(c *gin.Context, id uint64, column string, value any) {
	ctx := c.Request.Context()
	result := h.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Update(column, value)
	if result.Error != nil {
		internalError(c, "update user failed")
		return
	}
	if result.RowsAffected == 0 {
		notFound(c, "user not found")
		return
	}
	if h.cache != nil {
		h.cache.InvalidateUser(ctx, id)
	}
	var user models.User
	if errFind := h.db.WithContext(ctx).First(&user, id).Error; errFind != nil {
		internalError(c, "fetch user failed")
		return
	}
	log.WithFields(log.Fields{"user_id": id, column: value, "admin_id": actorID(c)}).Info("admin updated user")
	c.JSON(http.StatusOK, userRow(&user))
}

// adjustBalanceRequest captures a signed balance adjustment.
type adjustBalanceRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// AdjustBalance credits a positive amount or debits a negative one as an adjustment transaction.
func (h *UserHandler) AdjustBalance(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var body adjustBalanceRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid json")
		return
	}
	amount := body.Amount.Round(6)
	if amount.IsZero() {
		badRequest(c, "amount must not be zero")
		return
	}
	description := strings.TrimSpace(body.Description)
	if description == "" {
		description = "admin adjustment"
	}
	entry := billing.Entry{
		UserID:      id,
		Amount:      amount.Abs(),
		Type:        models.TransactionTypeAdjustment,
		Description: description,
		Reference:   fmt.Sprintf("admin:%d", actorID(c)),
	}

	var (
		row       *models.Transaction
		errAdjust error
	)
	if amount.IsPositive() {
		row, errAdjust = h.billing.Credit(c.Request.Context(), entry)
	} else {
		row, errAdjust = h.billing.Debit(c.Request.Context(), entry)
	}
	if errAdjust != nil {
		internalhttp.WriteAPIError(c, errAdjust)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction_id": row.ID,
		"amount":         row.Amount,
		"balance_after":  row.BalanceAfter,
	})
}

// Transactions lists a user's balance movements.
func (h *UserHandler) Transactions(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var q pageQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		badRequest(c, "invalid query")
		return
	}
	page, errPage := h.billing.Transactions(c.Request.Context(), id, c.Query("type"), q.Page, q.PageSize)
	if errPage != nil {
		internalhttp.WriteAPIError(c, errPage)
		return
	}
	items := make([]gin.H, 0, len(page.Items))
	for _, tx := range page.Items {
		items = append(items, gin.H{
			"id":            tx.ID,
			"amount":        tx.Amount,
			"balance_after": tx.BalanceAfter,
			"type":          tx.Type,
			"description":   tx.Description,
			"reference":     tx.Reference,
			"created_at":    tx.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": page.Total, "page": page.Page, "page_size": page.PageSize})
}

func userRow(row *models.User) gin.H {
	return gin.H{
		"id":           row.ID,
		"username":     row.Username,
		"email":        row.Email,
		"balance":      row.Balance,
		"status":       row.Status,
		"role":         row.Role,
		"totp_enabled": strings.TrimSpace(row.TOTPSecret) != "",
		"created_at":   row.CreatedAt,
		"updated_at":   row.UpdatedAt,
	}
}
