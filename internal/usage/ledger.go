package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	dbutil "github.com/router-for-me/MeteredGateway/internal/db"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Metric selects the value aggregated by DailyTrend.
type Metric string

// Metric constants.
const (
	MetricCost     Metric = "cost"
	MetricRequests Metric = "requests"
	MetricTokens   Metric = "tokens"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
	maxTrendDays    = 90
)

// ErrInvalidMetric is returned for an unknown trend metric.
var ErrInvalidMetric = errors.New("usage: invalid metric")

// Ledger is the append-only store of billed requests.
type Ledger struct {
	db *gorm.DB
}

// NewLedger constructs a Ledger backed by GORM.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// RecordUsage inserts an entry unless its request id was already recorded.
// It reports whether a new row was written.
func (l *Ledger) RecordUsage(ctx context.Context, entry *models.UsageLog) (bool, error) {
	return RecordUsageTx(l.db.WithContext(ctx), entry)
}

// RecordUsageTx is RecordUsage inside a caller-owned transaction.
func RecordUsageTx(tx *gorm.DB, entry *models.UsageLog) (bool, error) {
	if tx == nil {
		return false, errors.New("usage: nil tx")
	}
	if entry == nil {
		return false, errors.New("usage: nil entry")
	}
	entry.RequestID = strings.TrimSpace(entry.RequestID)
	if entry.RequestID == "" {
		return false, errors.New("usage: empty request id")
	}
	if entry.TotalTokens == 0 {
		entry.TotalTokens = entry.InputTokens + entry.OutputTokens + entry.CacheCreationTokens
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	} else {
		entry.CreatedAt = entry.CreatedAt.UTC()
	}

	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}},
		DoNothing: true,
	}).Create(entry)
	if res.Error != nil {
		return false, fmt.Errorf("usage: record: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ExistsTx reports whether a request id is already in the ledger.
func ExistsTx(tx *gorm.DB, requestID string) (bool, error) {
	var count int64
	if errCount := tx.Model(&models.UsageLog{}).Where("request_id = ?", strings.TrimSpace(requestID)).Count(&count).Error; errCount != nil {
		return false, errCount
	}
	return count > 0, nil
}

// Get returns the entry recorded for a request id.
func (l *Ledger) Get(ctx context.Context, requestID string) (*models.UsageLog, error) {
	var row models.UsageLog
	if errFind := l.db.WithContext(ctx).Where("request_id = ?", strings.TrimSpace(requestID)).Take(&row).Error; errFind != nil {
		return nil, errFind
	}
	return &row, nil
}

// scopeRange restricts a query to one user (0 = all users) and created_at in [start, end).
func scopeRange(q *gorm.DB, userID uint64, start, end time.Time) *gorm.DB {
	if userID != 0 {
		q = q.Where("user_id = ?", userID)
	}
	if !start.IsZero() {
		q = q.Where("created_at >= ?", start.UTC())
	}
	if !end.IsZero() {
		q = q.Where("created_at < ?", end.UTC())
	}
	return q
}

// SumCost sums recorded cost for a user over [start, end). A zero bound is open.
func (l *Ledger) SumCost(ctx context.Context, userID uint64, start, end time.Time) (decimal.Decimal, error) {
	var total float64
	q := scopeRange(l.db.WithContext(ctx).Model(&models.UsageLog{}), userID, start, end)
	if errSum := q.Select("COALESCE(SUM(cost), 0)").Scan(&total).Error; errSum != nil {
		return decimal.Zero, fmt.Errorf("usage: sum cost: %w", errSum)
	}
	return decimal.NewFromFloat(total).Round(6), nil
}

// TokenTotals aggregates token counters over a range.
type TokenTotals struct {
	Requests            int64 `json:"requests"`
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CachedTokens        int64 `json:"cached_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
	TotalTokens         int64 `json:"total_tokens"`
}

// SumTokens sums token counters for a user over [start, end). A zero bound is open.
func (l *Ledger) SumTokens(ctx context.Context, userID uint64, start, end time.Time) (TokenTotals, error) {
	var totals TokenTotals
	q := scopeRange(l.db.WithContext(ctx).Model(&models.UsageLog{}), userID, start, end)
	errSum := q.Select(
		"COUNT(*) AS requests, " +
			"COALESCE(SUM(input_tokens), 0) AS input_tokens, " +
			"COALESCE(SUM(output_tokens), 0) AS output_tokens, " +
			"COALESCE(SUM(cached_tokens), 0) AS cached_tokens, " +
			"COALESCE(SUM(cache_creation_tokens), 0) AS cache_creation_tokens, " +
			"COALESCE(SUM(total_tokens), 0) AS total_tokens",
	).Scan(&totals).Error
	if errSum != nil {
		return TokenTotals{}, fmt.Errorf("usage: sum tokens: %w", errSum)
	}
	return totals, nil
}

// TrendPoint is one day of a DailyTrend series.
type TrendPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// DailyTrend returns one point per calendar day in loc, oldest first, ending with the day containing now.
// Days without usage are reported as zero.
func (l *Ledger) DailyTrend(ctx context.Context, userID uint64, metric Metric, days int, now time.Time, loc *time.Location) ([]TrendPoint, error) {
	switch metric {
	case MetricCost, MetricRequests, MetricTokens:
	default:
		return nil, ErrInvalidMetric
	}
	if days <= 0 {
		days = 7
	}
	if days > maxTrendDays {
		days = maxTrendDays
	}
	if loc == nil {
		loc = time.UTC
	}

	localNow := now.In(loc)
	today := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, loc)
	start := today.AddDate(0, 0, -(days - 1))
	end := today.AddDate(0, 0, 1)

	// rows holds only the columns needed for bucketing.
	var rows []struct {
		CreatedAt   time.Time
		Cost        float64
		TotalTokens int64
	}
	q := scopeRange(l.db.WithContext(ctx).Model(&models.UsageLog{}), userID, start, end)
	if errFind := q.Select("created_at, cost, total_tokens").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("usage: trend: %w", errFind)
	}

	buckets := make(map[string]decimal.Decimal, days)
	for _, row := range rows {
		key := row.CreatedAt.In(loc).Format(time.DateOnly)
		switch metric {
		case MetricCost:
			buckets[key] = buckets[key].Add(decimal.NewFromFloat(row.Cost))
		case MetricRequests:
			buckets[key] = buckets[key].Add(decimal.NewFromInt(1))
		case MetricTokens:
			buckets[key] = buckets[key].Add(decimal.NewFromInt(row.TotalTokens))
		}
	}

	out := make([]TrendPoint, 0, days)
	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		key := day.Format(time.DateOnly)
		value, _ := buckets[key].Round(6).Float64()
		out = append(out, TrendPoint{Date: key, Value: value})
	}
	return out, nil
}

// Stats is the dashboard summary of a user's spend.
type Stats struct {
	TodayCost  float64     `json:"today_cost"`
	WeekCost   float64     `json:"week_cost"`
	MonthCost  float64     `json:"month_cost"`
	TotalCost  float64     `json:"total_cost"`
	Today      TokenTotals `json:"today"`
	Month      TokenTotals `json:"month"`
	TotalCalls int64       `json:"total_requests"`
}

// Stats returns today, trailing 7-day, calendar-month and all-time sums in loc.
func (l *Ledger) Stats(ctx context.Context, userID uint64, now time.Time, loc *time.Location) (Stats, error) {
	if loc == nil {
		loc = time.UTC
	}
	localNow := now.In(loc)
	today := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, loc)
	weekStart := today.AddDate(0, 0, -6)
	monthStart := time.Date(localNow.Year(), localNow.Month(), 1, 0, 0, 0, 0, loc)
	var zero time.Time

	var stats Stats
	ranges := []struct {
		start time.Time
		dst   *float64
	}{
		{today, &stats.TodayCost},
		{weekStart, &stats.WeekCost},
		{monthStart, &stats.MonthCost},
		{zero, &stats.TotalCost},
	}
	for _, r := range ranges {
		sum, errSum := l.SumCost(ctx, userID, r.start, zero)
		if errSum != nil {
			return Stats{}, errSum
		}
		*r.dst, _ = sum.Float64()
	}

	var errTokens error
	if stats.Today, errTokens = l.SumTokens(ctx, userID, today, zero); errTokens != nil {
		return Stats{}, errTokens
	}
	if stats.Month, errTokens = l.SumTokens(ctx, userID, monthStart, zero); errTokens != nil {
		return Stats{}, errTokens
	}
	all, errAll := l.SumTokens(ctx, userID, zero, zero)
	if errAll != nil {
		return Stats{}, errAll
	}
	stats.TotalCalls = all.Requests
	return stats, nil
}

// Filter narrows Paginate results. Zero values are ignored.
type Filter struct {
	UserID     uint64
	APIKeyID   uint64
	UpstreamID uint64
	Model      string
	Start      time.Time
	End        time.Time
	OnlyErrors bool
	Page       int
	PageSize   int
}

// Page is one page of ledger entries.
type Page struct {
	Items    []models.UsageLog `json:"items"`
	Total    int64             `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

// Paginate lists entries ordered by created_at descending.
func (l *Ledger) Paginate(ctx context.Context, filter Filter) (Page, error) {
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	q := scopeRange(l.db.WithContext(ctx).Model(&models.UsageLog{}), filter.UserID, filter.Start, filter.End)
	if filter.APIKeyID != 0 {
		q = q.Where("api_key_id = ?", filter.APIKeyID)
	}
	if filter.UpstreamID != 0 {
		q = q.Where("upstream_id = ?", filter.UpstreamID)
	}
	if model := strings.TrimSpace(filter.Model); model != "" {
		cond, arg := dbutil.ContainsFilter(l.db, "model", model)
		q = q.Where(cond, arg)
	}
	if filter.OnlyErrors {
		q = q.Where("status_code >= ?", 400)
	}

	var total int64
	if errCount := q.Count(&total).Error; errCount != nil {
		return Page{}, fmt.Errorf("usage: count: %w", errCount)
	}
	items := make([]models.UsageLog, 0, pageSize)
	if errFind := q.Order("created_at DESC").Order("id DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&items).Error; errFind != nil {
		return Page{}, fmt.Errorf("usage: list: %w", errFind)
	}
	return Page{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// ModelBreakdown is the per-model share of spend over a range.
type ModelBreakdown struct {
	Model    string  `json:"model"`
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// ByModel groups spend by model for a user (0 = all users) over [start, end).
func (l *Ledger) ByModel(ctx context.Context, userID uint64, start, end time.Time) ([]ModelBreakdown, error) {
	var rows []ModelBreakdown
	q := scopeRange(l.db.WithContext(ctx).Model(&models.UsageLog{}), userID, start, end)
	if errFind := q.Select("model, COUNT(*) AS requests, COALESCE(SUM(total_tokens), 0) AS tokens, COALESCE(SUM(cost), 0) AS cost").
		Group("model").
		Order("cost DESC").
		Scan(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("usage: by model: %w", errFind)
	}
	return rows, nil
}
