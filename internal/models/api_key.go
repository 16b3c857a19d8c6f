package models

import "time"

// APIKeyStatus is the lifecycle state of an API key.
type APIKeyStatus string

// APIKeyStatus constants.
const (
	APIKeyStatusActive  APIKeyStatus = "active"
	APIKeyStatusRevoked APIKeyStatus = "revoked"
)

// APIKey is a bearer credential issued to a user for the inference surface.
// Only the SHA-256 hash of the secret is stored.
type APIKey struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;index"`    // Owning user ID.
	User   *User  `gorm:"foreignKey:UserID"` // Owning user record.

	Name      string `gorm:"type:varchar(100);not null"`            // Display name for the key.
	KeyHash   string `gorm:"type:varchar(64);not null;uniqueIndex"` // Hex SHA-256 of the secret.
	KeyPrefix string `gorm:"type:varchar(16);not null"`             // Leading characters for display.

	Status APIKeyStatus `gorm:"type:varchar(20);not null;default:'active'"` // Key status.

	QuotaLimit *float64 `gorm:"type:decimal(20,6)"`                    // Optional cap on cumulative cost.
	TotalUsage float64  `gorm:"type:decimal(20,6);not null;default:0"` // Cumulative cost billed to the key.

	LastUsedAt *time.Time // Last successful usage time.
	RevokedAt  *time.Time // Revocation timestamp.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// QuotaExceeded reports whether the key reached its cumulative cost cap.
func (k *APIKey) QuotaExceeded() bool {
	return k.QuotaLimit != nil && k.TotalUsage >= *k.QuotaLimit
}
