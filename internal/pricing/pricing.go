package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrPricingNotFound is returned when no price row is effective for a model.
var ErrPricingNotFound = errors.New("pricing not found")

// costPrecision is the number of decimal places persisted for costs.
const costPrecision = 6

var thousand = decimal.NewFromInt(1000)

// Usage is the token usage reported for one request.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CachedTokens        int64
	CacheCreationTokens int64
}

// BillableInput returns input tokens not served from cache, never negative.
func (u Usage) BillableInput() int64 {
	cached := u.CachedTokens
	if cached > u.InputTokens {
		cached = u.InputTokens
	}
	if cached < 0 {
		cached = 0
	}
	billable := u.InputTokens - cached
	if billable < 0 {
		return 0
	}
	return billable
}

// TotalTokens returns the token total recorded in the ledger.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationTokens
}

// IsZero reports whether no tokens were consumed.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.CachedTokens == 0 && u.CacheCreationTokens == 0
}

// ComputeCost prices usage against a price row, applying the markup multiplier.
func ComputeCost(usage Usage, row *models.ModelPricing) decimal.Decimal {
	if row == nil {
		return decimal.Zero
	}
	cacheCreationPrice := row.CacheCreationPricePer1K
	if cacheCreationPrice <= 0 {
		cacheCreationPrice = row.CacheReadPricePer1K
	}

	raw := perThousand(usage.BillableInput(), row.InputPricePer1K).
		Add(perThousand(usage.OutputTokens, row.OutputPricePer1K)).
		Add(perThousand(clampCached(usage), row.CacheReadPricePer1K)).
		Add(perThousand(usage.CacheCreationTokens, cacheCreationPrice))

	markup := decimal.NewFromFloat(row.MarkupMultiplier)
	if markup.Sign() <= 0 {
		markup = decimal.NewFromInt(1)
	}
	return raw.Mul(markup).Round(costPrecision)
}

// clampCached bounds cached tokens to the reported input so cache reads are never billed beyond it.
func clampCached(usage Usage) int64 {
	if usage.CachedTokens < 0 {
		return 0
	}
	if usage.CachedTokens > usage.InputTokens {
		return usage.InputTokens
	}
	return usage.CachedTokens
}

func perThousand(tokens int64, price float64) decimal.Decimal {
	if tokens <= 0 || price == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(tokens).Div(thousand).Mul(decimal.NewFromFloat(price))
}

// Table looks up versioned price rows.
type Table struct {
	db            *gorm.DB
	fallbackModel string
}

// NewTable constructs a Table. fallbackModel, when set, prices models that have no row.
func NewTable(db *gorm.DB, fallbackModel string) *Table {
	return &Table{db: db, fallbackModel: strings.TrimSpace(fallbackModel)}
}

// GetPrice returns the row effective at the given time: the latest with effective_from <= at.
func (t *Table) GetPrice(ctx context.Context, model string, at time.Time) (*models.ModelPricing, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, ErrPricingNotFound
	}
	var row models.ModelPricing
	errFind := t.db.WithContext(ctx).
		Where("model_name = ? AND effective_from <= ?", model, at.UTC()).
		Order("effective_from DESC").
		Order("id DESC").
		First(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPricingNotFound, model)
		}
		return nil, fmt.Errorf("pricing: find %s: %w", model, errFind)
	}
	return &row, nil
}

// Resolve returns the price row for a model, falling back to the configured default model.
func (t *Table) Resolve(ctx context.Context, model string, at time.Time) (*models.ModelPricing, error) {
	row, errPrice := t.GetPrice(ctx, model, at)
	if errPrice == nil || !errors.Is(errPrice, ErrPricingNotFound) {
		return row, errPrice
	}
	if t.fallbackModel == "" || strings.EqualFold(t.fallbackModel, model) {
		return nil, errPrice
	}
	return t.GetPrice(ctx, t.fallbackModel, at)
}

// AddVersion stores a new price row. Existing rows are never modified so recorded costs stay frozen.
func (t *Table) AddVersion(ctx context.Context, row *models.ModelPricing) error {
	if row == nil {
		return errors.New("pricing: nil row")
	}
	row.ID = 0
	row.ModelName = strings.TrimSpace(row.ModelName)
	if row.ModelName == "" {
		return errors.New("pricing: model name is required")
	}
	if row.InputPricePer1K < 0 || row.OutputPricePer1K < 0 || row.CacheReadPricePer1K < 0 || row.CacheCreationPricePer1K < 0 {
		return errors.New("pricing: prices must be non-negative")
	}
	if row.MarkupMultiplier <= 0 {
		row.MarkupMultiplier = 1
	}
	if row.EffectiveFrom.IsZero() {
		row.EffectiveFrom = time.Now().UTC()
	}
	row.EffectiveFrom = row.EffectiveFrom.UTC()
	return t.db.WithContext(ctx).Create(row).Error
}

// ApplyMarkup adds a version with the given markup for every model priced at the given time.
// Token prices are carried over from each model's effective row; it returns the number of models updated.
func (t *Table) ApplyMarkup(ctx context.Context, markup float64, at time.Time) (int, error) {
	if markup <= 0 {
		return 0, errors.New("pricing: markup must be positive")
	}
	at = at.UTC()
	current, errList := t.ListCurrent(ctx, at)
	if errList != nil {
		return 0, fmt.Errorf("pricing: list current: %w", errList)
	}
	updated := 0
	errTx := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, row := range current {
			if row.MarkupMultiplier == markup {
				continue
			}
			if row.EffectiveFrom.Equal(at) {
				return fmt.Errorf("pricing: %s already has a version at %s", row.ModelName, at.Format(time.RFC3339Nano))
			}
			next := row
			next.ID = 0
			next.MarkupMultiplier = markup
			next.EffectiveFrom = at
			next.CreatedAt = time.Time{}
			if errCreate := tx.Create(&next).Error; errCreate != nil {
				return fmt.Errorf("pricing: add %s: %w", row.ModelName, errCreate)
			}
			updated++
		}
		return nil
	})
	if errTx != nil {
		return 0, errTx
	}
	return updated, nil
}

// ListCurrent returns the row effective at the given time for every priced model.
func (t *Table) ListCurrent(ctx context.Context, at time.Time) ([]models.ModelPricing, error) {
	var rows []models.ModelPricing
	if errFind := t.db.WithContext(ctx).
		Where("effective_from <= ?", at.UTC()).
		Order("model_name ASC").
		Order("effective_from DESC").
		Order("id DESC").
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	out := make([]models.ModelPricing, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if _, ok := seen[row.ModelName]; ok {
			continue
		}
		seen[row.ModelName] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}

// History returns every version for a model, newest first.
func (t *Table) History(ctx context.Context, model string) ([]models.ModelPricing, error) {
	var rows []models.ModelPricing
	errFind := t.db.WithContext(ctx).
		Where("model_name = ?", strings.TrimSpace(model)).
		Order("effective_from DESC").
		Find(&rows).Error
	return rows, errFind
}
