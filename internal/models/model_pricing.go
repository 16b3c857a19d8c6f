package models

import "time"

// ModelPricing is one version of a model's price row.
// A model may have several rows; the effective one is the latest with EffectiveFrom <= the request time.
type ModelPricing struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ModelName string `gorm:"type:varchar(100);not null;uniqueIndex:idx_model_pricing_version"` // Model name.

	InputPricePer1K         float64 `gorm:"column:input_price_per_1k;type:decimal(20,8);not null;default:0"`          // Input token price per 1000 tokens.
	OutputPricePer1K        float64 `gorm:"column:output_price_per_1k;type:decimal(20,8);not null;default:0"`         // Output token price per 1000 tokens.
	CacheReadPricePer1K     float64 `gorm:"column:cache_read_price_per_1k;type:decimal(20,8);not null;default:0"`     // Cached input token price per 1000 tokens.
	CacheCreationPricePer1K float64 `gorm:"column:cache_creation_price_per_1k;type:decimal(20,8);not null;default:0"` // Cache write token price; zero falls back to cache read.
	MarkupMultiplier        float64 `gorm:"type:decimal(10,4);not null;default:1"`                                    // Factor applied to raw cost.

	EffectiveFrom time.Time `gorm:"not null;uniqueIndex:idx_model_pricing_version"` // Start of validity.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// TableName overrides the default table name.
func (ModelPricing) TableName() string {
	return "model_pricing"
}
