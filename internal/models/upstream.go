package models

import (
	"time"

	"gorm.io/datatypes"
)

// UpstreamStatus is the routing state of an upstream provider.
type UpstreamStatus string

// UpstreamStatus constants.
const (
	UpstreamStatusActive    UpstreamStatus = "active"
	UpstreamStatusDisabled  UpstreamStatus = "disabled"
	UpstreamStatusUnhealthy UpstreamStatus = "unhealthy"
)

// UpstreamProvider is an AI provider endpoint requests are proxied to.
type UpstreamProvider struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name       string `gorm:"type:varchar(100);not null"` // Display name.
	Provider   string `gorm:"type:varchar(50)"`           // Provider family, e.g. openai or anthropic.
	BaseURL    string `gorm:"type:text;not null"`         // Base URL, e.g. https://api.openai.com/v1.
	Credential string `gorm:"type:text;not null"`         // Bearer credential sent upstream.

	Headers datatypes.JSON `gorm:"type:jsonb"` // Extra headers as a JSON object.

	Priority int `gorm:"not null;default:0;index"` // Lower is preferred.
	Weight   int `gorm:"not null;default:1"`       // Share among equal priority.

	Status       UpstreamStatus `gorm:"type:varchar(20);not null;default:'active';index"` // Routing status.
	FailureCount int            `gorm:"not null;default:0"`                               // Consecutive failures.

	MaxRetries     int    `gorm:"not null;default:3"`   // Attempts budget for requests starting here.
	TimeoutSeconds int    `gorm:"not null;default:120"` // Per-request timeout.
	HealthPath     string `gorm:"type:varchar(255)"`    // Probe path relative to BaseURL.

	LastError   string     `gorm:"type:text"` // Last failure reason.
	LastChecked *time.Time // Last probe or request outcome time.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
