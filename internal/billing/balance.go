package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	// ErrInsufficientBalance is returned when a debit would make the balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrUserNotFound is returned for unknown user ids.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidAmount is returned for non-positive movement amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// amountEpsilon absorbs float noise when comparing stored decimal(20,6) values.
const amountEpsilon = 0.0000001

// Entry describes one balance movement. Amount is always positive; the direction comes from Debit or Credit.
type Entry struct {
	UserID      uint64
	Amount      decimal.Decimal
	Type        models.TransactionType
	Description string
	Reference   string
}

// Service implements balance and package accounting.
type Service struct {
	db    *gorm.DB
	clock *Clock
}

// NewService constructs a Service. A nil clock uses the default business timezone.
func NewService(db *gorm.DB, clock *Clock) *Service {
	if clock == nil {
		clock = NewClock(DefaultTimezone, nil)
	}
	return &Service{db: db, clock: clock}
}

// Clock returns the business-day clock.
func (s *Service) Clock() *Clock { return s.clock }

// Debit atomically decreases the balance, failing with ErrInsufficientBalance instead of going negative.
func (s *Service) Debit(ctx context.Context, entry Entry) (*models.Transaction, error) {
	var out *models.Transaction
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, errDebit := DebitTx(tx, entry)
		if errDebit != nil {
			return errDebit
		}
		out = row
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return out, nil
}

// Credit unconditionally increases the balance.
func (s *Service) Credit(ctx context.Context, entry Entry) (*models.Transaction, error) {
	var out *models.Transaction
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, errCredit := CreditTx(tx, entry)
		if errCredit != nil {
			return errCredit
		}
		out = row
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return out, nil
}

// DebitTx is Debit inside a caller-owned transaction. The conditional update holds the row lock
// until the transaction ends, serializing concurrent debits of one user.
func DebitTx(tx *gorm.DB, entry Entry) (*models.Transaction, error) {
	amount := entry.Amount.Round(6)
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	value := amount.InexactFloat64()

	res := tx.Model(&models.User{}).
		Where("id = ? AND balance + ? >= ?", entry.UserID, amountEpsilon, value).
		Update("balance", gorm.Expr("ROUND(balance - ?, 6)", value))
	if res.Error != nil {
		return nil, fmt.Errorf("billing: debit: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if errExists := userExists(tx, entry.UserID); errExists != nil {
			return nil, errExists
		}
		return nil, ErrInsufficientBalance
	}
	if entry.Type == "" {
		entry.Type = models.TransactionTypeUsage
	}
	return appendTransaction(tx, entry, amount.Neg())
}

// CreditTx is Credit inside a caller-owned transaction.
func CreditTx(tx *gorm.DB, entry Entry) (*models.Transaction, error) {
	amount := entry.Amount.Round(6)
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	res := tx.Model(&models.User{}).
		Where("id = ?", entry.UserID).
		Update("balance", gorm.Expr("ROUND(balance + ?, 6)", amount.InexactFloat64()))
	if res.Error != nil {
		return nil, fmt.Errorf("billing: credit: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrUserNotFound
	}
	if entry.Type == "" {
		entry.Type = models.TransactionTypeDeposit
	}
	return appendTransaction(tx, entry, amount)
}

func appendTransaction(tx *gorm.DB, entry Entry, signed decimal.Decimal) (*models.Transaction, error) {
	var after float64
	if errFind := tx.Model(&models.User{}).Select("balance").Where("id = ?", entry.UserID).Scan(&after).Error; errFind != nil {
		return nil, fmt.Errorf("billing: read balance: %w", errFind)
	}
	row := models.Transaction{
		UserID:       entry.UserID,
		Amount:       signed.InexactFloat64(),
		BalanceAfter: after,
		Type:         entry.Type,
		Description:  strings.TrimSpace(entry.Description),
		Reference:    strings.TrimSpace(entry.Reference),
	}
	if errCreate := tx.Create(&row).Error; errCreate != nil {
		return nil, fmt.Errorf("billing: append transaction: %w", errCreate)
	}
	return &row, nil
}

func userExists(tx *gorm.DB, userID uint64) error {
	var count int64
	if errCount := tx.Model(&models.User{}).Where("id = ?", userID).Count(&count).Error; errCount != nil {
		return errCount
	}
	if count == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Balance returns the running balance of a user.
func (s *Service) Balance(ctx context.Context, userID uint64) (decimal.Decimal, error) {
	var user models.User
	if errFind := s.db.WithContext(ctx).Select("id", "balance").First(&user, userID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return decimal.Zero, ErrUserNotFound
		}
		return decimal.Zero, errFind
	}
	return decimal.NewFromFloat(user.Balance).Round(6), nil
}

// LedgerSum returns the sum of a user's transactions, which must equal the running balance.
func (s *Service) LedgerSum(ctx context.Context, userID uint64) (decimal.Decimal, error) {
	var sum float64
	if errSum := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error; errSum != nil {
		return decimal.Zero, errSum
	}
	return decimal.NewFromFloat(sum).Round(6), nil
}

// TransactionPage is one page of a user's transactions, newest first.
type TransactionPage struct {
	Items    []models.Transaction `json:"items"`
	Total    int64                `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
}

// Transactions lists a user's balance movements, optionally filtered by type.
func (s *Service) Transactions(ctx context.Context, userID uint64, txType string, page, pageSize int) (TransactionPage, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 20
	}
	q := s.db.WithContext(ctx).Model(&models.Transaction{}).Where("user_id = ?", userID)
	if txType = strings.TrimSpace(txType); txType != "" {
		q = q.Where("type = ?", txType)
	}
	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return TransactionPage{}, errCount
	}
	items := make([]models.Transaction, 0, pageSize)
	if errFind := q.Order("created_at DESC").Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&items).Error; errFind != nil {
		return TransactionPage{}, errFind
	}
	return TransactionPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}
