package models

import (
	"time"

	"gorm.io/datatypes"
)

// UsageLog records one billed request. Rows are never updated.
type UsageLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RequestID string `gorm:"type:varchar(64);not null;uniqueIndex"` // Idempotency key.

	UserID     uint64  `gorm:"not null;index:idx_usage_user_created,priority:1"` // Related user ID.
	APIKeyID   uint64  `gorm:"not null;index"`                                   // Related API key ID.
	UpstreamID *uint64 `gorm:"index"`                                            // Upstream that served the request.

	Model  string `gorm:"type:varchar(100);not null;index"` // Requested model.
	Stream bool   `gorm:"not null;default:false"`           // Whether the response was streamed.

	InputTokens         int64 `gorm:"not null;default:0"` // Prompt tokens reported upstream.
	OutputTokens        int64 `gorm:"not null;default:0"` // Completion tokens.
	CachedTokens        int64 `gorm:"not null;default:0"` // Prompt tokens served from cache.
	CacheCreationTokens int64 `gorm:"not null;default:0"` // Tokens written to the prompt cache.
	TotalTokens         int64 `gorm:"not null;default:0"` // Total tokens.

	Cost          float64 `gorm:"type:decimal(20,6);not null;default:0"` // Charged cost frozen at request time.
	PackageAmount float64 `gorm:"type:decimal(20,6);not null;default:0"` // Portion charged to the package allowance.
	BalanceAmount float64 `gorm:"type:decimal(20,6);not null;default:0"` // Portion debited from balance.

	LatencyMs  int64 `gorm:"not null;default:0"` // End-to-end latency in milliseconds.
	StatusCode int   `gorm:"not null;default:0"` // Status returned to the client.

	ErrorDetail datatypes.JSON `gorm:"type:jsonb"` // Upstream error detail for partial failures.

	CreatedAt time.Time `gorm:"not null;index:idx_usage_user_created,priority:2;index"` // Creation timestamp.
}

// TableName overrides the default table name.
func (UsageLog) TableName() string {
	return "usage_logs"
}
