package models

import "time"

// PackageStatus controls catalog visibility.
type PackageStatus string

// PackageStatus constants.
const (
	PackageStatusActive   PackageStatus = "active"
	PackageStatusInactive PackageStatus = "inactive"
)

// Package is a catalog entry granting a daily spend allowance.
type Package struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name        string `gorm:"type:varchar(100);not null"` // Display name.
	Description string `gorm:"type:text"`                  // Description.

	Price        float64 `gorm:"type:decimal(20,6);not null"` // Purchase price.
	DurationDays int     `gorm:"not null"`                    // Validity in days.
	DailyLimit   float64 `gorm:"type:decimal(20,6);not null"` // Daily spend allowance.

	Stock     int `gorm:"not null;default:-1"` // Remaining stock, -1 for unlimited.
	SoldCount int `gorm:"not null;default:0"`  // Units sold.
	SortOrder int `gorm:"not null;default:0"`  // Display ordering weight.

	Status PackageStatus `gorm:"type:varchar(20);not null;default:'active'"` // Catalog status.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// UserPackageStatus is the state of a subscription.
type UserPackageStatus string

// UserPackageStatus constants.
const (
	UserPackageStatusActive   UserPackageStatus = "active"
	UserPackageStatusExpired  UserPackageStatus = "expired"
	UserPackageStatusSwitched UserPackageStatus = "switched"
)

// UserPackage is a subscription instance. Catalog fields are copied at purchase time.
type UserPackage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID    uint64  `gorm:"not null;index:idx_user_packages_user_status,priority:1"` // Subscriber.
	PackageID uint64  `gorm:"not null;index"`                                          // Catalog package.
	OrderID   *uint64 // Order that created it.

	PackageName  string  `gorm:"type:varchar(100);not null"`  // Snapshot of the package name.
	PackagePrice float64 `gorm:"type:decimal(20,6);not null"` // Snapshot of the price.
	DurationDays int     `gorm:"not null"`                    // Snapshot of the duration.
	DailyLimit   float64 `gorm:"type:decimal(20,6);not null"` // Snapshot of the daily allowance.

	StartAt time.Time `gorm:"not null"`       // Start of the first billing day.
	EndAt   time.Time `gorm:"not null;index"` // Exclusive end instant.

	Status UserPackageStatus `gorm:"type:varchar(20);not null;default:'active';index:idx_user_packages_user_status,priority:2"` // Subscription status.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// DailyUsage tracks per-user spend for one business day.
type DailyUsage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;uniqueIndex:idx_daily_usage_user_day,priority:1"`                  // Related user ID.
	Day    string `gorm:"type:varchar(10);not null;uniqueIndex:idx_daily_usage_user_day,priority:2"` // Business day, YYYY-MM-DD.

	UserPackageID   *uint64 // Package the allowance belonged to.
	UsedAmount      float64 `gorm:"type:decimal(20,6);not null;default:0"` // Spend charged to the package allowance.
	TotalUsedAmount float64 `gorm:"type:decimal(20,6);not null;default:0"` // All spend, package and balance.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (DailyUsage) TableName() string {
	return "daily_usage"
}
