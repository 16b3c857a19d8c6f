package order

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/MeteredGateway/internal/billing"
	"github.com/router-for-me/MeteredGateway/internal/db"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/payment"
	internalsettings "github.com/router-for-me/MeteredGateway/internal/settings"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultOrderTTL is how long a pending order may wait for payment.
const DefaultOrderTTL = 24 * time.Hour

var (
	// ErrPackageConflict is returned when buying while subscribed or switching to the current package.
	ErrPackageConflict = billing.ErrPackageConflict
	// ErrOrderNotFound is returned for unknown order numbers.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderExpired is returned when a payment arrives after the order TTL.
	ErrOrderExpired = errors.New("order expired")
	// ErrOrderNotPending is returned when a terminal order is asked to change state.
	ErrOrderNotPending = errors.New("order is not pending")
	// ErrAmountMismatch is returned when the paid amount differs from the order amount.
	ErrAmountMismatch = errors.New("paid amount does not match order")
	// ErrBelowMinimum is returned for recharge amounts under MIN_RECHARGE_AMOUNT.
	ErrBelowMinimum = errors.New("amount below minimum recharge")
)

// Result is returned by order creation: either a completed order or a payment redirect.
type Result struct {
	Order         *models.Order     `json:"order"`
	Completed     bool              `json:"completed"`
	Redirect      *payment.Redirect `json:"redirect,omitempty"`
	BalanceCredit decimal.Decimal   `json:"balance_credit"`
}

// Engine owns the order lifecycle: pending moves to paid or failed, both terminal.
type Engine struct {
	db       *gorm.DB
	billing  *billing.Service
	payments *payment.Client
	ttl      time.Duration
	now      func() time.Time
}

// NewEngine constructs an Engine.
func NewEngine(db *gorm.DB, billingService *billing.Service, payments *payment.Client, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = DefaultOrderTTL
	}
	return &Engine{db: db, billing: billingService, payments: payments, ttl: ttl, now: time.Now}
}

func newOrderNo(prefix string) string {
	return fmt.Sprintf("%s%d%s", prefix, time.Now().Unix(), strings.ToUpper(uuid.NewString()[:8]))
}

// applyCouponTx locks and validates a coupon against base and returns it with the payable amount.
func (e *Engine) applyCouponTx(tx *gorm.DB, code string, base decimal.Decimal) (*models.Coupon, decimal.Decimal, error) {
	code = NormalizeCode(code)
	if code == "" || !base.IsPositive() {
		return nil, base, nil
	}
	coupon, errLock := lockCouponTx(tx, code)
	if errLock != nil {
		return nil, base, errLock
	}
	quote, errQuote := quoteCoupon(coupon, base, e.now())
	if errQuote != nil {
		return nil, base, errQuote
	}
	return coupon, quote.Discounted, nil
}

// Purchase creates a package purchase order. A user with an active subscription must switch instead.
func (e *Engine) Purchase(ctx context.Context, userID, packageID uint64, couponCode string) (*Result, error) {
	now := e.now()
	result := &Result{BalanceCredit: decimal.Zero}
	var pkg *models.Package

	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var errLoad error
		pkg, errLoad = billing.LoadPurchasablePackage(tx, packageID)
		if errLoad != nil {
			return errLoad
		}
		active, errActive := billing.ActivePackageTx(tx, userID, now, true)
		if errActive != nil {
			return errActive
		}
		if active != nil {
			return ErrPackageConflict
		}

		original := decimal.NewFromFloat(pkg.Price).Round(2)
		coupon, payable, errCoupon := e.applyCouponTx(tx, couponCode, original)
		if errCoupon != nil {
			return errCoupon
		}
		if payable.IsPositive() && !e.payments.Enabled() {
			return payment.ErrDisabled
		}

		row := &models.Order{
			OrderNo:        newOrderNo("PKG"),
			UserID:         userID,
			PackageID:      &pkg.ID,
			Type:           models.OrderTypePackagePurchase,
			Amount:         payable.InexactFloat64(),
			OriginalAmount: original.InexactFloat64(),
			DiscountAmount: original.Sub(payable).InexactFloat64(),
			Status:         models.OrderStatusPending,
			PaymentMethod:  "epay",
		}
		if errCreate := e.createOrderTx(tx, row, coupon, original.Sub(payable), now); errCreate != nil {
			return errCreate
		}
		result.Order = row
		if row.Status == models.OrderStatusPaid {
			result.Completed = true
			_, errFulfill := e.fulfillTx(tx, row, now)
			return errFulfill
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return e.finish(result, pkg.Name)
}

// Switch creates a package switch order. Unused days of the current subscription are prorated and
// applied against the new price; any credit beyond the new price is refunded to the balance.
func (e *Engine) Switch(ctx context.Context, userID, packageID uint64, couponCode string) (*Result, error) {
	now := e.now()
	result := &Result{BalanceCredit: decimal.Zero}
	var pkg *models.Package

	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var errLoad error
		pkg, errLoad = billing.LoadPurchasablePackage(tx, packageID)
		if errLoad != nil {
			return errLoad
		}
		current, errActive := billing.ActivePackageTx(tx, userID, now, true)
		if errActive != nil {
			return errActive
		}
		if current == nil {
			return billing.ErrNoActivePackage
		}
		if current.PackageID == pkg.ID {
			return ErrPackageConflict
		}

		original := decimal.NewFromFloat(pkg.Price).Round(2)
		credit := e.billing.Proration(*current, now)
		applied := decimal.Min(credit, original)
		result.BalanceCredit = credit.Sub(applied)
		afterCredit := original.Sub(applied)

		coupon, payable, errCoupon := e.applyCouponTx(tx, couponCode, afterCredit)
		if errCoupon != nil {
			return errCoupon
		}
		if payable.IsPositive() && !e.payments.Enabled() {
			return payment.ErrDisabled
		}

		fromID := current.ID
		row := &models.Order{
			OrderNo:           newOrderNo("SWP"),
			UserID:            userID,
			PackageID:         &pkg.ID,
			FromUserPackageID: &fromID,
			Type:              models.OrderTypePackageSwitch,
			Amount:            payable.InexactFloat64(),
			OriginalAmount:    original.InexactFloat64(),
			DiscountAmount:    afterCredit.Sub(payable).InexactFloat64(),
			CreditAmount:      applied.InexactFloat64(),
			Status:            models.OrderStatusPending,
			PaymentMethod:     "epay",
		}
		if errCreate := e.createOrderTx(tx, row, coupon, afterCredit.Sub(payable), now); errCreate != nil {
			return errCreate
		}
		result.Order = row
		if row.Status != models.OrderStatusPaid {
			return nil
		}
		if coupon == nil {
			row.PaymentMethod = "credit"
			if errUpdate := tx.Model(row).Update("payment_method", row.PaymentMethod).Error; errUpdate != nil {
				return errUpdate
			}
		}
		result.Completed = true
		if _, errFulfill := e.fulfillTx(tx, row, now); errFulfill != nil {
			return errFulfill
		}
		if result.BalanceCredit.IsPositive() {
			if _, errCredit := billing.CreditTx(tx, billing.Entry{
				UserID:      userID,
				Amount:      result.BalanceCredit,
				Type:        models.TransactionTypeRefund,
				Description: fmt.Sprintf("Proration credit: %s -> %s", current.PackageName, pkg.Name),
				Reference:   row.OrderNo,
			}); errCredit != nil {
				return errCredit
			}
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return e.finish(result, pkg.Name)
}

// Recharge creates a balance top-up order.
func (e *Engine) Recharge(ctx context.Context, userID uint64, amount decimal.Decimal) (*Result, error) {
	amount = amount.Round(2)
	minimum := decimal.NewFromFloat(internalsettings.Float(internalsettings.MinRechargeAmountKey, internalsettings.DefaultMinRechargeAmount))
	if !amount.IsPositive() || amount.LessThan(minimum) {
		return nil, fmt.Errorf("%w: minimum is %s", ErrBelowMinimum, minimum.StringFixed(2))
	}
	if !e.payments.Enabled() {
		return nil, payment.ErrDisabled
	}
	row := &models.Order{
		OrderNo:        newOrderNo("RCH"),
		UserID:         userID,
		Type:           models.OrderTypeRecharge,
		Amount:         amount.InexactFloat64(),
		OriginalAmount: amount.InexactFloat64(),
		Status:         models.OrderStatusPending,
		PaymentMethod:  "epay",
	}
	if errCreate := e.db.WithContext(ctx).Create(row).Error; errCreate != nil {
		return nil, fmt.Errorf("order: create recharge: %w", errCreate)
	}
	return e.finish(&Result{Order: row, BalanceCredit: decimal.Zero}, "Balance recharge "+amount.StringFixed(2))
}

// createOrderTx inserts the order, completing it immediately when nothing is payable, and consumes the coupon.
func (e *Engine) createOrderTx(tx *gorm.DB, row *models.Order, coupon *models.Coupon, discount decimal.Decimal, now time.Time) error {
	if coupon != nil {
		couponID := coupon.ID
		row.CouponID = &couponID
		row.CouponCode = coupon.Code
	}
	if row.Amount <= 0 {
		paidAt := now.UTC()
		row.Status = models.OrderStatusPaid
		row.PaidAt = &paidAt
		row.PaymentMethod = "free"
		if coupon != nil {
			row.PaymentMethod = "coupon"
		}
	}
	if errCreate := tx.Create(row).Error; errCreate != nil {
		return fmt.Errorf("order: create: %w", errCreate)
	}
	if coupon != nil {
		return consumeCouponTx(tx, coupon, row.UserID, row.ID, discount)
	}
	return nil
}

func (e *Engine) finish(result *Result, name string) (*Result, error) {
	if result.Completed || result.Order == nil {
		return result, nil
	}
	redirect, errRedirect := e.payments.BuildRedirect(result.Order.OrderNo, name, decimal.NewFromFloat(result.Order.Amount))
	if errRedirect != nil {
		return nil, errRedirect
	}
	result.Redirect = &redirect
	return result, nil
}

// HandleNotify verifies a payment callback and applies it. Callbacks that do not report a
// completed trade are acknowledged without changing the order.
func (e *Engine) HandleNotify(ctx context.Context, query url.Values) (*models.Order, error) {
	n, errVerify := e.payments.VerifyNotify(query)
	if errVerify != nil {
		return nil, errVerify
	}
	if !n.Paid() {
		log.WithFields(log.Fields{"order_no": n.OrderNo, "trade_status": n.TradeStatus}).Info("order: ignoring unpaid notify")
		return e.Get(ctx, 0, n.OrderNo)
	}
	return e.MarkPaid(ctx, n)
}

// MarkPaid applies a verified payment notification. Replays of an already paid order succeed
// without fulfilling twice.
func (e *Engine) MarkPaid(ctx context.Context, n payment.Notification) (*models.Order, error) {
	now := e.now()
	var out models.Order
	errTx := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errFind := db.ForUpdate(tx).
			Where("order_no = ?", n.OrderNo).
			Take(&out).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ErrOrderNotFound
			}
			return errFind
		}
		switch out.Status {
		case models.OrderStatusPaid:
			log.WithField("order_no", out.OrderNo).Info("order: notify replay for paid order")
			return nil
		case models.OrderStatusFailed:
			return ErrOrderNotPending
		}
		if now.Sub(out.CreatedAt) > e.ttl {
			return ErrOrderExpired
		}
		if !n.Money.IsZero() && !n.Money.Round(2).Equal(decimal.NewFromFloat(out.Amount).Round(2)) {
			return ErrAmountMismatch
		}

		paidAt := now.UTC()
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", out.ID, models.OrderStatusPending).
			Updates(map[string]any{
				"status":      models.OrderStatusPaid,
				"trade_no":    n.TradeNo,
				"notify_data": n.RawQuery,
				"paid_at":     paidAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrOrderNotPending
		}
		out.Status = models.OrderStatusPaid
		out.TradeNo = n.TradeNo
		out.PaidAt = &paidAt

		refunded, errFulfill := e.fulfillTx(tx, &out, now)
		if errFulfill != nil {
			return errFulfill
		}
		if refunded {
			log.WithFields(log.Fields{"order_no": out.OrderNo, "user_id": out.UserID}).Warn("order: package unavailable at payment, amount refunded to balance")
		}
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return &out, nil
}

// fulfillTx delivers a paid order. For paid package orders whose package can no longer be
// delivered the paid amount is credited to the balance instead, and refunded is true.
func (e *Engine) fulfillTx(tx *gorm.DB, row *models.Order, now time.Time) (bool, error) {
	switch row.Type {
	case models.OrderTypeRecharge:
		_, errCredit := billing.CreditTx(tx, billing.Entry{
			UserID:      row.UserID,
			Amount:      decimal.NewFromFloat(row.Amount),
			Type:        models.TransactionTypeDeposit,
			Description: "Balance recharge",
			Reference:   row.OrderNo,
		})
		return false, errCredit
	case models.OrderTypePackagePurchase, models.OrderTypePackageSwitch:
	default:
		return false, fmt.Errorf("order: unknown order type %q", row.Type)
	}
	if row.PackageID == nil {
		return false, errors.New("order: missing package id")
	}

	errDeliver := tx.Transaction(func(inner *gorm.DB) error {
		var pkg models.Package
		if errFind := inner.First(&pkg, *row.PackageID).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return billing.ErrPackageUnavailable
			}
			return errFind
		}
		orderID := row.ID
		if row.Type == models.OrderTypePackageSwitch && row.FromUserPackageID != nil {
			_, errSwitch := e.billing.SwitchTx(inner, row.UserID, *row.FromUserPackageID, &pkg, &orderID, now)
			if !errors.Is(errSwitch, billing.ErrNoActivePackage) {
				return errSwitch
			}
		}
		_, errActivate := e.billing.ActivateTx(inner, row.UserID, &pkg, &orderID, now)
		return errActivate
	})
	if errDeliver == nil {
		return false, nil
	}
	undeliverable := errors.Is(errDeliver, billing.ErrPackageConflict) ||
		errors.Is(errDeliver, billing.ErrOutOfStock) ||
		errors.Is(errDeliver, billing.ErrPackageUnavailable)
	if !undeliverable || row.Amount <= 0 || row.PaymentMethod != "epay" {
		return false, errDeliver
	}
	_, errCredit := billing.CreditTx(tx, billing.Entry{
		UserID:      row.UserID,
		Amount:      decimal.NewFromFloat(row.Amount),
		Type:        models.TransactionTypeRefund,
		Description: "Refund for undeliverable package order",
		Reference:   row.OrderNo,
	})
	return true, errCredit
}

// MarkFailed moves a pending order to failed.
func (e *Engine) MarkFailed(ctx context.Context, orderNo string) error {
	res := e.db.WithContext(ctx).Model(&models.Order{}).
		Where("order_no = ? AND status = ?", orderNo, models.OrderStatusPending).
		Update("status", models.OrderStatusFailed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if errCount := e.db.WithContext(ctx).Model(&models.Order{}).Where("order_no = ?", orderNo).Count(&count).Error; errCount != nil {
			return errCount
		}
		if count == 0 {
			return ErrOrderNotFound
		}
		return ErrOrderNotPending
	}
	return nil
}

// ExpireStale fails pending orders older than the TTL.
func (e *Engine) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	res := e.db.WithContext(ctx).Model(&models.Order{}).
		Where("status = ? AND created_at < ?", models.OrderStatusPending, now.Add(-e.ttl).UTC()).
		Update("status", models.OrderStatusFailed)
	if res.Error != nil {
		return 0, fmt.Errorf("order: expire stale: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Infof("order: failed %d stale pending orders", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// Get returns one order; a non-zero userID restricts it to that user's orders.
func (e *Engine) Get(ctx context.Context, userID uint64, orderNo string) (*models.Order, error) {
	q := e.db.WithContext(ctx).Where("order_no = ?", strings.TrimSpace(orderNo))
	if userID != 0 {
		q = q.Where("user_id = ?", userID)
	}
	var row models.Order
	if errFind := q.Take(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, errFind
	}
	return &row, nil
}

// Filter narrows List results. Zero values are ignored.
type Filter struct {
	UserID   uint64
	Status   string
	Type     string
	Page     int
	PageSize int
}

// Page is one page of orders, newest first.
type Page struct {
	Items    []models.Order `json:"items"`
	Total    int64          `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// List returns orders matching filter.
func (e *Engine) List(ctx context.Context, filter Filter) (Page, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 200 {
		filter.PageSize = 20
	}
	q := e.db.WithContext(ctx).Model(&models.Order{})
	if filter.UserID != 0 {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if status := strings.TrimSpace(filter.Status); status != "" {
		q = q.Where("status = ?", status)
	}
	if orderType := strings.TrimSpace(filter.Type); orderType != "" {
		q = q.Where("type = ?", orderType)
	}
	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return Page{}, errCount
	}
	items := make([]models.Order, 0, filter.PageSize)
	if errFind := q.Order("created_at DESC").Order("id DESC").
		Offset((filter.Page - 1) * filter.PageSize).Limit(filter.PageSize).
		Find(&items).Error; errFind != nil {
		return Page{}, errFind
	}
	return Page{Items: items, Total: total, Page: filter.Page, PageSize: filter.PageSize}, nil
}

// Stats summarizes orders by status.
type Stats struct {
	Pending    int64   `json:"pending"`
	Paid       int64   `json:"paid"`
	Failed     int64   `json:"failed"`
	PaidAmount float64 `json:"paid_amount"`
}

// Stats counts orders by status and sums paid revenue.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var rows []struct {
		Status string
		Count  int64
		Amount float64
	}
	if errFind := e.db.WithContext(ctx).Model(&models.Order{}).
		Select("status, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS amount").
		Group("status").
		Scan(&rows).Error; errFind != nil {
		return Stats{}, errFind
	}
	var stats Stats
	for _, row := range rows {
		switch models.OrderStatus(row.Status) {
		case models.OrderStatusPending:
			stats.Pending = row.Count
		case models.OrderStatusPaid:
			stats.Paid = row.Count
			stats.PaidAmount = row.Amount
		case models.OrderStatusFailed:
			stats.Failed = row.Count
		}
	}
	return stats, nil
}
