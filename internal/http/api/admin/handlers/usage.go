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

// UsageHandler exposes the usage ledger across all users.
type UsageHandler struct {
	ledger *usage.Ledger
	clock  *billing.Clock
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(ledger *usage.Ledger, clock *billing.Clock) *UsageHandler {
	return &UsageHandler{ledger: ledger, clock: clock}
}

// usageQuery defines admin usage filters.
type usageQuery struct {
	pageQuery
	UserID     uint64 `form:"user_id"`
	APIKeyID   uint64 `form:"api_key_id"`
	UpstreamID uint64 `form:"upstream_id"`
	Model      string `form:"model"`
	Start      string `form:"start"`
	End        string `form:"end"`
	OnlyErrors bool   `form:"only_errors"`
}

// Logs lists ledger entries matching the filters.
func (h *UsageHandler) Logs(c *gin.Context) {
	var q usageQuery
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
		UserID:     q.UserID,
		APIKeyID:   q.APIKeyID,
		UpstreamID: q.UpstreamID,
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

// Stats aggregates cost, tokens and the per-model split over a range, optionally for one user.
// Without a range it covers the last 30 business days.
func (h *UsageHandler) Stats(c *gin.Context) {
	var q usageQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		badRequest(c, "invalid query")
		return
	}
	start, end, errRange := parseRange(q.Start, q.End, h.clock.Location())
	if errRange != nil {
		badRequest(c, "invalid date range")
		return
	}
	if start.IsZero() && end.IsZero() {
		start = h.clock.StartOfDay(h.clock.Now()).AddDate(0, 0, -29)
	}

	ctx := c.Request.Context()
	cost, errCost := h.ledger.SumCost(ctx, q.UserID, start, end)
	if errCost != nil {
		internalhttp.WriteAPIError(c, errCost)
		return
	}
	tokens, errTokens := h.ledger.SumTokens(ctx, q.UserID, start, end)
	if errTokens != nil {
		internalhttp.WriteAPIError(c, errTokens)
		return
	}
	byModel, errModels := h.ledger.ByModel(ctx, q.UserID, start, end)
	if errModels != nil {
		internalhttp.WriteAPIError(c, errModels)
		return
	}
	trend, errTrend := h.ledger.DailyTrend(ctx, q.UserID, usage.MetricCost, 30, h.clock.Now(), h.clock.Location())
	if errTrend != nil {
		internalhttp.WriteAPIError(c, errTrend)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"start":    start,
		"end":      end,
		"cost":     cost.InexactFloat64(),
		"tokens":   tokens,
		"by_model": byModel,
		"trend":    trend,
	})
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
	return gin.H{
		"id":                    row.ID,
		"request_id":            row.RequestID,
		"user_id":               row.UserID,
		"api_key_id":            row.APIKeyID,
		"upstream_id":           row.UpstreamID,
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
		"error_detail":          row.ErrorDetail,
		"created_at":            row.CreatedAt,
	}
}
