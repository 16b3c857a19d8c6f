package models

import "time"

// CouponType selects how a coupon discounts an amount.
type CouponType string

// CouponType constants.
const (
	CouponTypeFixed   CouponType = "fixed"
	CouponTypePercent CouponType = "percent"
)

// CouponStatus controls whether a coupon may be redeemed.
type CouponStatus string

// CouponStatus constants.
const (
	CouponStatusActive   CouponStatus = "active"
	CouponStatusInactive CouponStatus = "inactive"
)

// Coupon is a discount code applied at order creation.
type Coupon struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Code  string     `gorm:"type:varchar(64);not null;uniqueIndex"` // Upper-case code.
	Type  CouponType `gorm:"type:varchar(20);not null"`             // fixed or percent.
	Value float64    `gorm:"type:decimal(20,6);not null"`           // Amount or percentage.

	MaxUses   int     `gorm:"not null;default:0"`                    // Redemption cap, 0 for unlimited.
	UsedCount int     `gorm:"not null;default:0"`                    // Redemptions so far.
	MinAmount float64 `gorm:"type:decimal(20,6);not null;default:0"` // Minimum order amount.

	ValidFrom  *time.Time // Start of validity.
	ValidUntil *time.Time // End of validity.

	Status CouponStatus `gorm:"type:varchar(20);not null;default:'active'"` // Coupon status.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// CouponRedemption records one use of a coupon.
type CouponRedemption struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	CouponID uint64  `gorm:"not null;index"`              // Redeemed coupon.
	UserID   uint64  `gorm:"not null;index"`              // Redeeming user.
	OrderID  uint64  `gorm:"not null;uniqueIndex"`        // Order the coupon was applied to.
	Discount float64 `gorm:"type:decimal(20,6);not null"` // Discount granted.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
