package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/MeteredGateway/internal/db"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrCouponInvalid matches every coupon rejection.
var ErrCouponInvalid = errors.New("coupon invalid")

// CouponError carries the reason a coupon was rejected.
type CouponError struct {
	Reason string
}

func (e *CouponError) Error() string { return "coupon invalid: " + e.Reason }

// Is makes errors.Is(err, ErrCouponInvalid) hold for every CouponError.
func (e *CouponError) Is(target error) bool { return target == ErrCouponInvalid }

func couponError(reason string) error { return &CouponError{Reason: reason} }

// NormalizeCode trims and upper-cases a coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Quote is the outcome of applying a coupon to an amount.
type Quote struct {
	Code       string          `json:"code"`
	Original   decimal.Decimal `json:"original_amount"`
	Discount   decimal.Decimal `json:"discount_amount"`
	Discounted decimal.Decimal `json:"final_amount"`
}

// ValidateCoupon checks status, configuration, validity window, usage cap and minimum amount.
func ValidateCoupon(coupon *models.Coupon, base decimal.Decimal, now time.Time) error {
	if coupon == nil {
		return couponError("unknown code")
	}
	if coupon.Status != models.CouponStatusActive {
		return couponError("coupon is not active")
	}
	if coupon.Value <= 0 || (coupon.Type != models.CouponTypeFixed && coupon.Type != models.CouponTypePercent) {
		return couponError("coupon is misconfigured")
	}
	if coupon.Type == models.CouponTypePercent && coupon.Value > 100 {
		return couponError("coupon percentage is invalid")
	}
	if coupon.ValidFrom != nil && now.Before(*coupon.ValidFrom) {
		return couponError("coupon is not yet valid")
	}
	if coupon.ValidUntil != nil && now.After(*coupon.ValidUntil) {
		return couponError("coupon has expired")
	}
	if coupon.MaxUses > 0 && coupon.UsedCount >= coupon.MaxUses {
		return couponError("coupon usage limit reached")
	}
	if coupon.MinAmount > 0 && base.LessThan(decimal.NewFromFloat(coupon.MinAmount)) {
		return couponError(fmt.Sprintf("order amount must be at least %s", decimal.NewFromFloat(coupon.MinAmount).StringFixed(2)))
	}
	return nil
}

// Discounted applies a validated coupon: fixed subtracts its value floored at zero, percent
// multiplies by (1 - value/100). The result is rounded to cents.
func Discounted(coupon *models.Coupon, base decimal.Decimal) decimal.Decimal {
	value := decimal.NewFromFloat(coupon.Value)
	var out decimal.Decimal
	switch coupon.Type {
	case models.CouponTypePercent:
		out = base.Mul(decimal.NewFromInt(1).Sub(value.Div(decimal.NewFromInt(100))))
	default:
		out = base.Sub(value)
	}
	if out.IsNegative() {
		out = decimal.Zero
	}
	return out.Round(2)
}

// ApplyCoupon looks up code and returns the discounted amount for base.
func (e *Engine) ApplyCoupon(ctx context.Context, code string, base decimal.Decimal) (Quote, error) {
	code = NormalizeCode(code)
	if code == "" {
		return Quote{}, couponError("empty code")
	}
	var coupon models.Coupon
	if errFind := e.db.WithContext(ctx).Where("code = ?", code).Take(&coupon).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return Quote{}, couponError("unknown code")
		}
		return Quote{}, errFind
	}
	return quoteCoupon(&coupon, base, e.now())
}

func quoteCoupon(coupon *models.Coupon, base decimal.Decimal, now time.Time) (Quote, error) {
	base = base.Round(2)
	if errValidate := ValidateCoupon(coupon, base, now); errValidate != nil {
		return Quote{}, errValidate
	}
	discounted := Discounted(coupon, base)
	return Quote{
		Code:       coupon.Code,
		Original:   base,
		Discount:   base.Sub(discounted),
		Discounted: discounted,
	}, nil
}

// lockCouponTx loads a coupon by code with a row lock.
func lockCouponTx(tx *gorm.DB, code string) (*models.Coupon, error) {
	var coupon models.Coupon
	if errFind := db.ForUpdate(tx).Where("code = ?", code).Take(&coupon).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, couponError("unknown code")
		}
		return nil, errFind
	}
	return &coupon, nil
}

// consumeCouponTx increments used_count under the cap and records the redemption. The conditional
// update rejects a redemption that would exceed max_uses even when two orders race.
func consumeCouponTx(tx *gorm.DB, coupon *models.Coupon, userID, orderID uint64, discount decimal.Decimal) error {
	update := tx.Model(&models.Coupon{}).Where("id = ?", coupon.ID)
	if coupon.MaxUses > 0 {
		update = update.Where("used_count < ?", coupon.MaxUses)
	}
	res := update.Update("used_count", gorm.Expr("used_count + 1"))
	if res.Error != nil {
		return fmt.Errorf("order: consume coupon: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return couponError("coupon usage limit reached")
	}
	redemption := models.CouponRedemption{
		CouponID: coupon.ID,
		UserID:   userID,
		OrderID:  orderID,
		Discount: discount.InexactFloat64(),
	}
	if errCreate := tx.Create(&redemption).Error; errCreate != nil {
		return fmt.Errorf("order: record redemption: %w", errCreate)
	}
	return nil
}
