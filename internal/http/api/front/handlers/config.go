package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	internalsettings "github.com/router-for-me/MeteredGateway/internal/settings"
)

// publicConfigResponse is the response payload for public config.
type publicConfigResponse struct {
	SiteName            string  `json:"site_name"`
	RegistrationEnabled bool    `json:"registration_enabled"`
	MinRechargeAmount   float64 `json:"min_recharge_amount"`
	PaymentEnabled      bool    `json:"payment_enabled"`
}

// PublicConfigHandler serves settings the dashboard needs before login.
type PublicConfigHandler struct {
	paymentEnabled bool
}

// NewPublicConfigHandler constructs a PublicConfigHandler.
func NewPublicConfigHandler(paymentEnabled bool) *PublicConfigHandler {
	return &PublicConfigHandler{paymentEnabled: paymentEnabled}
}

// Get returns public configuration for the front UI.
func (h *PublicConfigHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, publicConfigResponse{
		SiteName:            internalsettings.String(internalsettings.SiteNameKey, internalsettings.DefaultSiteName),
		RegistrationEnabled: internalsettings.Bool(internalsettings.RegistrationEnabledKey, internalsettings.DefaultRegistrationEnabled),
		MinRechargeAmount:   internalsettings.Float(internalsettings.MinRechargeAmountKey, internalsettings.DefaultMinRechargeAmount),
		PaymentEnabled:      h.paymentEnabled,
	})
}
