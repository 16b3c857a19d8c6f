package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/router-for-me/MeteredGateway/internal/db"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	// ErrPackageConflict is returned when a purchase or switch collides with the active subscription.
	ErrPackageConflict = errors.New("package conflict")
	// ErrNoActivePackage is returned when a switch is requested without an active subscription.
	ErrNoActivePackage = errors.New("no active package")
	// ErrPackageUnavailable is returned for inactive or unknown catalog packages.
	ErrPackageUnavailable = errors.New("package unavailable")
	// ErrOutOfStock is returned when a package has no stock left.
	ErrOutOfStock = errors.New("package out of stock")
)

// ActivePackageTx returns the user's subscription covering now, or nil. With lock set the row is
// locked for the rest of the transaction.
func ActivePackageTx(tx *gorm.DB, userID uint64, now time.Time, lock bool) (*models.UserPackage, error) {
	q := tx.Where("user_id = ? AND status = ? AND start_at <= ? AND end_at > ?",
		userID, models.UserPackageStatusActive, now.UTC(), now.UTC()).
		Order("end_at ASC").
		Order("id ASC")
	if lock {
		q = db.ForUpdate(q)
	}
	var row models.UserPackage
	if errFind := q.Take(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("billing: load active package: %w", errFind)
	}
	return &row, nil
}

// ActivePackage returns the user's current subscription, or nil.
func (s *Service) ActivePackage(ctx context.Context, userID uint64, now time.Time) (*models.UserPackage, error) {
	return ActivePackageTx(s.db.WithContext(ctx), userID, now, false)
}

// UserPackages lists a user's subscriptions, newest first.
func (s *Service) UserPackages(ctx context.Context, userID uint64) ([]models.UserPackage, error) {
	var rows []models.UserPackage
	if errFind := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Order("id DESC").Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// LoadPurchasablePackage returns an active catalog package that still has stock.
func LoadPurchasablePackage(tx *gorm.DB, packageID uint64) (*models.Package, error) {
	var pkg models.Package
	if errFind := tx.First(&pkg, packageID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrPackageUnavailable
		}
		return nil, errFind
	}
	if pkg.Status != models.PackageStatusActive {
		return nil, ErrPackageUnavailable
	}
	if pkg.Stock == 0 {
		return nil, ErrOutOfStock
	}
	return &pkg, nil
}

// ReserveStockTx decrements stock (unless unlimited) and increments sold_count in one conditional update.
func ReserveStockTx(tx *gorm.DB, packageID uint64) error {
	res := tx.Model(&models.Package{}).
		Where("id = ? AND (stock = -1 OR stock > 0)", packageID).
		Updates(map[string]any{
			"stock":      gorm.Expr("CASE WHEN stock = -1 THEN -1 ELSE stock - 1 END"),
			"sold_count": gorm.Expr("sold_count + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("billing: reserve stock: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrOutOfStock
	}
	return nil
}

// ActivateTx starts a subscription to pkg at the beginning of the current business day.
// Users with an active subscription must switch instead.
func (s *Service) ActivateTx(tx *gorm.DB, userID uint64, pkg *models.Package, orderID *uint64, now time.Time) (*models.UserPackage, error) {
	active, errActive := ActivePackageTx(tx, userID, now, true)
	if errActive != nil {
		return nil, errActive
	}
	if active != nil {
		return nil, ErrPackageConflict
	}
	return s.createSubscriptionTx(tx, userID, pkg, orderID, now)
}

// SwitchTx closes the subscription fromID and starts pkg in its place.
func (s *Service) SwitchTx(tx *gorm.DB, userID, fromID uint64, pkg *models.Package, orderID *uint64, now time.Time) (*models.UserPackage, error) {
	var current models.UserPackage
	if errFind := db.ForUpdate(tx).
		Where("id = ? AND user_id = ?", fromID, userID).
		Take(&current).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNoActivePackage
		}
		return nil, errFind
	}
	if current.Status != models.UserPackageStatusActive || !current.EndAt.After(now) {
		return nil, ErrNoActivePackage
	}
	if current.PackageID == pkg.ID {
		return nil, ErrPackageConflict
	}

	if errUpdate := tx.Model(&models.UserPackage{}).
		Where("id = ? AND status = ?", current.ID, models.UserPackageStatusActive).
		Updates(map[string]any{
			"status": models.UserPackageStatusSwitched,
			"end_at": now.UTC(),
		}).Error; errUpdate != nil {
		return nil, fmt.Errorf("billing: close package: %w", errUpdate)
	}
	return s.createSubscriptionTx(tx, userID, pkg, orderID, now)
}

func (s *Service) createSubscriptionTx(tx *gorm.DB, userID uint64, pkg *models.Package, orderID *uint64, now time.Time) (*models.UserPackage, error) {
	if pkg == nil || pkg.DurationDays <= 0 {
		return nil, ErrPackageUnavailable
	}
	if errReserve := ReserveStockTx(tx, pkg.ID); errReserve != nil {
		return nil, errReserve
	}
	start := s.clock.StartOfDay(now)
	row := models.UserPackage{
		UserID:       userID,
		PackageID:    pkg.ID,
		OrderID:      orderID,
		PackageName:  pkg.Name,
		PackagePrice: pkg.Price,
		DurationDays: pkg.DurationDays,
		DailyLimit:   pkg.DailyLimit,
		StartAt:      start.UTC(),
		EndAt:        start.AddDate(0, 0, pkg.DurationDays).UTC(),
		Status:       models.UserPackageStatusActive,
	}
	if errCreate := tx.Create(&row).Error; errCreate != nil {
		return nil, fmt.Errorf("billing: create subscription: %w", errCreate)
	}
	return &row, nil
}

// Proration is the credit for the unused part of a subscription: price / duration per remaining
// business day, today included. It is never negative and never exceeds the price paid.
func (s *Service) Proration(current models.UserPackage, now time.Time) decimal.Decimal {
	if current.DurationDays <= 0 || current.PackagePrice <= 0 {
		return decimal.Zero
	}
	remaining := s.clock.RemainingDays(current.EndAt, now)
	if remaining <= 0 {
		return decimal.Zero
	}
	price := decimal.NewFromFloat(current.PackagePrice)
	credit := price.Div(decimal.NewFromInt(int64(current.DurationDays))).Mul(decimal.NewFromInt(int64(remaining)))
	if credit.GreaterThan(price) {
		credit = price
	}
	return credit.Truncate(2)
}

// ExpirePackages marks active subscriptions whose end has passed as expired.
func (s *Service) ExpirePackages(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.UserPackage{}).
		Where("status = ? AND end_at <= ?", models.UserPackageStatusActive, now.UTC()).
		Update("status", models.UserPackageStatusExpired)
	if res.Error != nil {
		return 0, fmt.Errorf("billing: expire packages: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Infof("billing: expired %d user packages", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
