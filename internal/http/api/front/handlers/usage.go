package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MeteredGateway/internal/billing"
	internalhttp "github.com/router-for-me/MeteredGateway/internal/http"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/usage"
)

// UsageHandler handles usage statistics endpoints.
type UsageHandler struct {
	ledger *usage.Ledger
	clock  *billing.Clock
}

// NewUsageHandler constructs a UsageHandler. Day boundaries follow the business clock.
func NewUsageHandler(ledger *usage.Ledger, clock *billing.Clock) *UsageHandler {
	return &UsageHandler{ledger: ledger, clock: clock}
}

// Stats returns today, week, month and all-time sums.
func (h *UsageHandler) Stats(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	stats, errStats := h.ledger.Stats(c.Request.Context(), userID, h.clock.Now(), h.clock.Location())
	if errStats != nil {
		internalhttp.WriteAPIError(c, errStats)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// usageLogsQuery defines query parameters for usage log listing.
type usageLogsQuery struct {
	Page       int    `form:"page,default=1"`
	PageSize   int    `form:"page_size,default=20"`
	Model      string `form:"model"`
	APIKeyID   uint64 `form:"api_key_id"`
	Start      string `form:"start"`
	End        string `form:"end"`
	OnlyErrors bool   `form:"only_errors"`
}

// Logs lists the user's ledger entries, newest first.
func (h *UsageHandler) Logs(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	var q usageLogsQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		badRequest(c, "invalid query")
		return
	}
	start, end, errRange := parseRange(q.Start, q.End, h.clock.Location())
	if errRange != nil {
		badRequest(c, "invalid date range")
		return
	}
	page, errPage := h.ledger.Paginate(c.Request.Context(), usage.Filter{
		UserID:     userID,
		APIKeyID:   q.APIKeyID,
		Model:      strings.TrimSpace(q.Model),
		Start:      start,
		End:        end,
		OnlyErrors: q.OnlyErrors,
		Page:       q.Page,
		PageSize:   q.PageSize,
	})
	if errPage != nil {
		internalhttp.WriteAPIError(c, errPage)
		return
	}
	items := make([]gin.H, 0, len(page.Items))
	for i := range page.Items {
		items = append(items, usageLogRow(&page.Items[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": page.Total, "page": page.Page, "page_size": page.PageSize})
}

// trendQuery defines query parameters for the daily trend.
type trendQuery struct {
	Metric string `form:"metric,default=cost"`
	Days   int    `form:"days,default=7"`
}

// DailyTrend returns one point per business day.
func (h *UsageHandler) DailyTrend(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	var q trendQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		badRequest(c, "invalid query")
		return
	}
	points, errTrend := h.ledger.DailyTrend(c.Request.Context(), userID, usage.Metric(q.Metric), q.Days, h.clock.Now(), h.clock.Location())
	if errTrend != nil {
		internalhttp.WriteAPIError(c, errTrend)
		return
	}
	c.JSON(http.StatusOK, gin.H{"metric": q.Metric, "points": points})
}

// Models breaks down spend by model over the last 30 days.
func (h *UsageHandler) Models(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	now := h.clock.Now()
	start := h.clock.StartOfDay(now).AddDate(0, 0, -29)
	rows, errRows := h.ledger.ByModel(c.Request.Context(), userID, start, time.Time{})
	if errRows != nil {
		internalhttp.WriteAPIError(c, errRows)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows})
}

// parseRange accepts RFC3339 timestamps or YYYY-MM-DD dates. A date end bound is inclusive.
func parseRange(startRaw, endRaw string, loc *time.Location) (time.Time, time.Time, error) {
	var start, end time.Time
	if s := strings.TrimSpace(startRaw); s != "" {
		parsed, _, errParse := parseBound(s, loc)
		if errParse != nil {
			return start, end, errParse
		}
		start = parsed
	}
	if s := strings.TrimSpace(endRaw); s != "" {
		parsed, dateOnly, errParse := parseBound(s, loc)
		if errParse != nil {
			return start, end, errParse
		}
		if dateOnly {
			parsed = parsed.AddDate(0, 0, 1)
		}
		end = parsed
	}
	return start, end, nil
}

func parseBound(s string, loc *time.Location) (time.Time, bool, error) {
	if t, errParse := time.ParseInLocation("2006-01-02", s, loc); errParse == nil {
		return t, true, nil
	}
	t, errParse := time.Parse(time.RFC3339, s)
	return t, false, errParse
}

func usageLogRow(row *models.UsageLog) gin.H {
	out := gin.H{
		"id":                    row.ID,
		"request_id":            row.RequestID,
		"api_key_id":            row.APIKeyID,
		"model":                 row.Model,
		"stream":                row.Stream,
		"input_tokens":          row.InputTokens,
		"output_tokens":         row.OutputTokens,
		"cached_tokens":         row.CachedTokens,
		"cache_creation_tokens": row.CacheCreationTokens,
		"total_tokens":          row.TotalTokens,
		"cost":                  row.Cost,
		"package_amount":        row.PackageAmount,
		"balance_amount":        row.BalanceAmount,
		"latency_ms":            row.LatencyMs,
		"status_code":           row.StatusCode,
		"created_at":            row.CreatedAt,
	}
	if len(row.ErrorDetail) > 0 {
		out["error_detail"] = row.ErrorDetail
	}
	return out
}
