package models

import "time"

// TransactionType classifies balance movements.
type TransactionType string

// TransactionType constants.
const (
	TransactionTypeDeposit    TransactionType = "deposit"
	TransactionTypeUsage      TransactionType = "usage"
	TransactionTypeAdjustment TransactionType = "adjustment"
	TransactionTypeRefund     TransactionType = "refund"
)

// Transaction is an append-only balance movement. Positive amounts credit the user.
type Transaction struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;index:idx_transactions_user_created,priority:1"` // Related user ID.

	Amount       float64         `gorm:"type:decimal(20,6);not null"` // Signed amount.
	BalanceAfter float64         `gorm:"type:decimal(20,6);not null"` // Balance right after this movement.
	Type         TransactionType `gorm:"type:varchar(20);not null"`   // Movement type.
	Description  string          `gorm:"type:text"`                   // Human readable reason.
	Reference    string          `gorm:"type:varchar(64);index"`      // Request id or order number.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index:idx_transactions_user_created,priority:2"` // Creation timestamp.
}
