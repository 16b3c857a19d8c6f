package models

import "time"

// OrderStatus is the payment state of an order.
type OrderStatus string

// OrderStatus constants. pending moves to paid or failed, both terminal.
const (
	OrderStatusPending OrderStatus = "pending"
	OrderStatusPaid    OrderStatus = "paid"
	OrderStatusFailed  OrderStatus = "failed"
)

// OrderType distinguishes what a paid order fulfills.
type OrderType string

// OrderType constants.
const (
	OrderTypeRecharge        OrderType = "recharge"
	OrderTypePackagePurchase OrderType = "package_purchase"
	OrderTypePackageSwitch   OrderType = "package_switch"
)

// Order is a payment order for a recharge or a package purchase or switch.
type Order struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	OrderNo string `gorm:"type:varchar(64);not null;uniqueIndex"` // External reference.
	UserID  uint64 `gorm:"not null;index"`                        // Buyer.

	PackageID         *uint64 `gorm:"index"` // Target package; nil for recharge.
	FromUserPackageID *uint64 // Subscription being switched away from.

	Type OrderType `gorm:"type:varchar(30);not null"` // What the order fulfills.

	Amount         float64 `gorm:"type:decimal(20,6);not null"`           // Amount payable.
	OriginalAmount float64 `gorm:"type:decimal(20,6);not null;default:0"` // Amount before discounts.
	DiscountAmount float64 `gorm:"type:decimal(20,6);not null;default:0"` // Coupon discount.
	CreditAmount   float64 `gorm:"type:decimal(20,6);not null;default:0"` // Proration credit applied.

	CouponID   *uint64 // Applied coupon.
	CouponCode string  `gorm:"type:varchar(64)"` // Applied coupon code.

	Status        OrderStatus `gorm:"type:varchar(20);not null;default:'pending';index"` // Payment state.
	PaymentMethod string      `gorm:"type:varchar(30)"`                                  // epay, free, coupon, credit.
	TradeNo       string      `gorm:"type:varchar(64)"`                                  // Processor trade number.
	NotifyData    string      `gorm:"type:text"`                                         // Raw notify query.

	CreatedAt time.Time  `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
	UpdatedAt time.Time  `gorm:"not null;autoUpdateTime"`       // Last update timestamp.
	PaidAt    *time.Time // Payment time.
}
