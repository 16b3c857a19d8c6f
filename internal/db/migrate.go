package db

import (
	"fmt"

	"github.com/router-for-me/MeteredGateway/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates every table the gateway uses.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.User{},
		&models.APIKey{},
		&models.ModelPricing{},
		&models.UpstreamProvider{},
		&models.UsageLog{},
		&models.Transaction{},
		&models.Package{},
		&models.UserPackage{},
		&models.DailyUsage{},
		&models.Coupon{},
		&models.CouponRedemption{},
		&models.Order{},
		&models.Setting{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}
