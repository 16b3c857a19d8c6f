package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	internalhttp "github.com/router-for-me/MeteredGateway/internal/http"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/pricing"
	log "github.com/sirupsen/logrus"
)

// PricingHandler manages versioned model prices.
type PricingHandler struct {
	prices *pricing.Table
}

// NewPricingHandler constructs a PricingHandler.
func NewPricingHandler(prices *pricing.Table) *PricingHandler {
	return &PricingHandler{prices: prices}
}

// Current lists the effective price of every model.
func (h *PricingHandler) Current(c *gin.Context) {
	rows, errList := h.prices.ListCurrent(c.Request.Context(), time.Now().UTC())
	if errList != nil {
		internalhttp.WriteAPIError(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": priceRows(rows)})
}

// History lists every version of one model, newest first.
func (h *PricingHandler) History(c *gin.Context) {
	model := strings.TrimSpace(c.Param("model"))
	rows, errList := h.prices.History(c.Request.Context(), model)
	if errList != nil {
		internalhttp.WriteAPIError(c, errList)
		return
	}
	if len(rows) == 0 {
		notFound(c, "pricing not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": model, "items": priceRows(rows)})
}

// priceVersionRequest captures a new price version.
type priceVersionRequest struct {
	Model                   string     `json:"model"`
	InputPricePer1K         float64    `json:"input_price_per_1k"`
	OutputPricePer1K        float64    `json:"output_price_per_1k"`
	CacheReadPricePer1K     float64    `json:"cache_read_price_per_1k"`
	CacheCreationPricePer1K float64    `json:"cache_creation_price_per_1k"`
	MarkupMultiplier        float64    `json:"markup_multiplier"`
	EffectiveFrom           *time.Time `json:"effective_from"`
}

// Add stores a new version. Earlier versions are kept so recorded costs stay reproducible.
func (h *PricingHandler) Add(c *gin.Context) {
	var body priceVersionRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid json")
		return
	}
	if strings.TrimSpace(body.Model) == "" {
		badRequest(c, "model is required")
		return
	}
	if body.InputPricePer1K < 0 || body.OutputPricePer1K < 0 || body.CacheReadPricePer1K < 0 || body.CacheCreationPricePer1K < 0 {
		badRequest(c, "prices must be non-negative")
		return
	}
	if body.MarkupMultiplier < 0 {
		badRequest(c, "markup_multiplier must be positive")
		return
	}
	row := models.ModelPricing{
		ModelName:               body.Model,
		InputPricePer1K:         body.InputPricePer1K,
		OutputPricePer1K:        body.OutputPricePer1K,
		CacheReadPricePer1K:     body.CacheReadPricePer1K,
		CacheCreationPricePer1K: body.CacheCreationPricePer1K,
		MarkupMultiplier:        body.MarkupMultiplier,
	}
	if body.EffectiveFrom != nil {
		row.EffectiveFrom = *body.EffectiveFrom
	}
	if errAdd := h.prices.AddVersion(c.Request.Context(), &row); errAdd != nil {
		internalhttp.WriteAPIError(c, errAdd)
		return
	}
	c.JSON(http.StatusCreated, priceRow(&row))
}

// batchMarkupRequest captures a markup applied to every priced model.
type batchMarkupRequest struct {
	MarkupMultiplier float64    `json:"markup_multiplier"`
	EffectiveFrom    *time.Time `json:"effective_from"`
}

// BatchUpdateMarkup adds a new version with the given markup for every model, starting now unless effective_from is set.
func (h *PricingHandler) BatchUpdateMarkup(c *gin.Context) {
	var body batchMarkupRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		badRequest(c, "invalid json")
		return
	}
	if body.MarkupMultiplier <= 0 {
		badRequest(c, "markup_multiplier must be positive")
		return
	}
	at := time.Now().UTC()
	if body.EffectiveFrom != nil {
		at = body.EffectiveFrom.UTC()
	}
	updated, errApply := h.prices.ApplyMarkup(c.Request.Context(), body.MarkupMultiplier, at)
	if errApply != nil {
		internalhttp.WriteAPIError(c, errApply)
		return
	}
	log.WithFields(log.Fields{"markup_multiplier": body.MarkupMultiplier, "updated_count": updated, "admin_id": actorID(c)}).Info("admin applied markup")
	c.JSON(http.StatusOK, gin.H{"updated_count": updated, "markup_multiplier": body.MarkupMultiplier, "effective_from": at})
}

func priceRows(rows []models.ModelPricing) []gin.H {
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, priceRow(&rows[i]))
	}
	return out
}

func priceRow(row *models.ModelPricing) gin.H {
	return gin.H{
		"id":                          row.ID,
		"model":                       row.ModelName,
		"input_price_per_1k":          row.InputPricePer1K,
		"output_price_per_1k":         row.OutputPricePer1K,
		"cache_read_price_per_1k":     row.CacheReadPricePer1K,
		"cache_creation_price_per_1k": row.CacheCreationPricePer1K,
		"markup_multiplier":           row.MarkupMultiplier,
		"effective_from":              row.EffectiveFrom,
		"created_at":                  row.CreatedAt,
	}
}
