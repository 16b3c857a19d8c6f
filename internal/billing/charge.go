package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/MeteredGateway/internal/db"
	"github.com/router-for-me/MeteredGateway/internal/models"
	internalsettings "github.com/router-for-me/MeteredGateway/internal/settings"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDailyLimitExceeded is returned when the global per-user daily cap would be exceeded.
var ErrDailyLimitExceeded = errors.New("daily limit exceeded")

// Charge is the cost of one metered request.
type Charge struct {
	UserID      uint64
	Amount      decimal.Decimal
	Reference   string
	Description string
}

// ChargeResult reports how a charge was split between the package allowance and the balance.
type ChargeResult struct {
	Day           string
	UserPackageID *uint64
	PackageAmount decimal.Decimal
	BalanceAmount decimal.Decimal
	Transaction   *models.Transaction
}

// ChargeTx bills a request inside a caller-owned transaction. The global daily cap is checked first,
// then the active package allowance for the day is consumed, and any overflow is debited from the
// balance. Any error leaves the caller's transaction to roll back every step.
func (s *Service) ChargeTx(tx *gorm.DB, now time.Time, charge Charge) (ChargeResult, error) {
	day := s.clock.Day(now)
	result := ChargeResult{Day: day, PackageAmount: decimal.Zero, BalanceAmount: decimal.Zero}
	amount := charge.Amount.Round(6)
	if !amount.IsPositive() {
		return result, nil
	}
	value := amount.InexactFloat64()

	seed := models.DailyUsage{UserID: charge.UserID, Day: day}
	if errSeed := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "day"}},
		DoNothing: true,
	}).Create(&seed).Error; errSeed != nil {
		return result, fmt.Errorf("billing: seed daily usage: %w", errSeed)
	}

	total := tx.Model(&models.DailyUsage{}).Where("user_id = ? AND day = ?", charge.UserID, day)
	if limit := internalsettings.GlobalDailyLimit(); limit > 0 {
		total = total.Where("total_used_amount + ? <= ?", value, limit+amountEpsilon)
	}
	res := total.Update("total_used_amount", gorm.Expr("ROUND(total_used_amount + ?, 6)", value))
	if res.Error != nil {
		return result, fmt.Errorf("billing: update daily total: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return result, ErrDailyLimitExceeded
	}

	active, errActive := ActivePackageTx(tx, charge.UserID, now, true)
	if errActive != nil {
		return result, errActive
	}
	if active != nil {
		part, errConsume := consumeAllowanceTx(tx, charge.UserID, day, active, amount)
		if errConsume != nil {
			return result, errConsume
		}
		result.PackageAmount = part
		if part.IsPositive() {
			id := active.ID
			result.UserPackageID = &id
		}
	}

	overflow := amount.Sub(result.PackageAmount)
	if overflow.IsPositive() {
		description := strings.TrimSpace(charge.Description)
		if description == "" {
			description = "API usage"
		}
		row, errDebit := DebitTx(tx, Entry{
			UserID:      charge.UserID,
			Amount:      overflow,
			Type:        models.TransactionTypeUsage,
			Description: description,
			Reference:   charge.Reference,
		})
		if errDebit != nil {
			return result, errDebit
		}
		result.BalanceAmount = overflow
		result.Transaction = row
	}
	return result, nil
}

// consumeAllowanceTx takes up to amount from the package's remaining allowance for day.
func consumeAllowanceTx(tx *gorm.DB, userID uint64, day string, active *models.UserPackage, amount decimal.Decimal) (decimal.Decimal, error) {
	var daily models.DailyUsage
	if errFind := db.ForUpdate(tx).
		Where("user_id = ? AND day = ?", userID, day).
		Take(&daily).Error; errFind != nil {
		return decimal.Zero, fmt.Errorf("billing: load daily usage: %w", errFind)
	}

	limit := decimal.NewFromFloat(active.DailyLimit)
	remaining := limit.Sub(decimal.NewFromFloat(daily.UsedAmount)).Round(6)
	updates := map[string]any{"user_package_id": active.ID}
	part := decimal.Zero
	if remaining.IsPositive() {
		part = decimal.Min(remaining, amount)
		updates["used_amount"] = gorm.Expr("ROUND(used_amount + ?, 6)", part.InexactFloat64())
	}
	if part.IsZero() && daily.UserPackageID != nil && *daily.UserPackageID == active.ID {
		return part, nil
	}

	res := tx.Model(&models.DailyUsage{}).
		Where("id = ? AND used_amount + ? <= ?", daily.ID, part.InexactFloat64(), active.DailyLimit+amountEpsilon).
		Updates(updates)
	if res.Error != nil {
		return decimal.Zero, fmt.Errorf("billing: consume allowance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return decimal.Zero, nil
	}
	return part, nil
}

// Precheck is the LimitChecking gate run before an upstream is called: the global cap must not
// already be reached, and the user needs either package allowance left today or a positive balance.
func (s *Service) Precheck(ctx context.Context, userID uint64, now time.Time) error {
	state, errState := s.DailyState(ctx, userID, now)
	if errState != nil {
		return errState
	}
	if state.GlobalLimit > 0 && state.TotalUsedAmount+amountEpsilon >= state.GlobalLimit {
		return ErrDailyLimitExceeded
	}
	if state.Package != nil && state.Remaining > amountEpsilon {
		return nil
	}
	if state.Balance <= amountEpsilon {
		return ErrInsufficientBalance
	}
	return nil
}

// DailyState is a user's spend position for one business day.
type DailyState struct {
	Day             string              `json:"day"`
	UsedAmount      float64             `json:"used_amount"`
	TotalUsedAmount float64             `json:"total_used_amount"`
	DailyLimit      float64             `json:"daily_limit"`
	Remaining       float64             `json:"remaining"`
	GlobalLimit     float64             `json:"global_limit"`
	Balance         float64             `json:"balance"`
	Package         *models.UserPackage `json:"package,omitempty"`
}

// DailyState loads today's counters, the active package and the balance.
func (s *Service) DailyState(ctx context.Context, userID uint64, now time.Time) (DailyState, error) {
	conn := s.db.WithContext(ctx)
	state := DailyState{Day: s.clock.Day(now), GlobalLimit: internalsettings.GlobalDailyLimit()}

	var user models.User
	if errFind := conn.Select("id", "balance").First(&user, userID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return state, ErrUserNotFound
		}
		return state, errFind
	}
	state.Balance = user.Balance

	var daily models.DailyUsage
	errDaily := conn.Where("user_id = ? AND day = ?", userID, state.Day).Take(&daily).Error
	if errDaily != nil && !errors.Is(errDaily, gorm.ErrRecordNotFound) {
		return state, errDaily
	}
	state.UsedAmount = daily.UsedAmount
	state.TotalUsedAmount = daily.TotalUsedAmount

	active, errActive := ActivePackageTx(conn, userID, now, false)
	if errActive != nil {
		return state, errActive
	}
	if active != nil {
		state.Package = active
		state.DailyLimit = active.DailyLimit
		remaining, _ := decimal.NewFromFloat(active.DailyLimit).Sub(decimal.NewFromFloat(daily.UsedAmount)).Round(6).Float64()
		if remaining < 0 {
			remaining = 0
		}
		state.Remaining = remaining
	}
	return state, nil
}

// DailyHistory lists the user's daily counters for the most recent days, newest first.
func (s *Service) DailyHistory(ctx context.Context, userID uint64, days int) ([]models.DailyUsage, error) {
	if days <= 0 || days > 90 {
		days = 30
	}
	var rows []models.DailyUsage
	if errFind := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("day DESC").
		Limit(days).
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}
