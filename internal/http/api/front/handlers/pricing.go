package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	internalhttp "github.com/router-for-me/MeteredGateway/internal/http"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/pricing"
)

// PricingHandler lists the prices in effect.
type PricingHandler struct {
	prices *pricing.Table
}

// NewPricingHandler constructs a PricingHandler.
func NewPricingHandler(prices *pricing.Table) *PricingHandler {
	return &PricingHandler{prices: prices}
}

// List returns the effective price row of every model.
func (h *PricingHandler) List(c *gin.Context) {
	rows, errList := h.prices.ListCurrent(c.Request.Context(), time.Now().UTC())
	if errList != nil {
		internalhttp.WriteAPIError(c, errList)
		return
	}
	items := make([]gin.H, 0, len(rows))
	for i := range rows {
		items = append(items, priceRow(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func priceRow(row *models.ModelPricing) gin.H {
	return gin.H{
		"model":                       row.ModelName,
		"input_price_per_1k":          row.InputPricePer1K,
		"output_price_per_1k":         row.OutputPricePer1K,
		"cache_read_price_per_1k":     row.CacheReadPricePer1K,
		"cache_creation_price_per_1k": row.CacheCreationPricePer1K,
		"markup_multiplier":           row.MarkupMultiplier,
		"effective_from":              row.EffectiveFrom,
	}
}
