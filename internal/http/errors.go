package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MeteredGateway/internal/billing"
	"github.com/router-for-me/MeteredGateway/internal/gateway"
	"github.com/router-for-me/MeteredGateway/internal/order"
	"github.com/router-for-me/MeteredGateway/internal/payment"
	"github.com/router-for-me/MeteredGateway/internal/pricing"
	"github.com/router-for-me/MeteredGateway/internal/upstream"
	"github.com/router-for-me/MeteredGateway/internal/usage"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// WriteError aborts the relay request with the taxonomy status and an OpenAI-style error body.
func WriteError(c *gin.Context, stage gateway.Stage, err error) {
	gwErr := gateway.NewError(stage, err)
	if gwErr.Status >= http.StatusInternalServerError && gwErr.Status != http.StatusServiceUnavailable && gwErr.Status != http.StatusBadGateway {
		log.WithError(err).WithField("stage", gwErr.Stage).Error("relay request failed")
	}
	c.AbortWithStatusJSON(gwErr.Status, gin.H{
		"error": gin.H{
			"code":    gwErr.Code,
			"message": gwErr.Message,
			"type":    string(gwErr.Stage),
		},
	})
}

// apiErrorStatus maps service errors of the dashboard API to a status and machine code.
func apiErrorStatus(err error) (int, string) {
	var couponErr *order.CouponError
	switch {
	case errors.As(err, &couponErr):
		return http.StatusBadRequest, "coupon_invalid"
	case errors.Is(err, order.ErrCouponInvalid):
		return http.StatusBadRequest, "coupon_invalid"
	case errors.Is(err, billing.ErrPackageConflict):
		return http.StatusBadRequest, "package_conflict"
	case errors.Is(err, billing.ErrNoActivePackage):
		return http.StatusBadRequest, "no_active_package"
	case errors.Is(err, billing.ErrPackageUnavailable):
		return http.StatusBadRequest, "package_unavailable"
	case errors.Is(err, billing.ErrOutOfStock):
		return http.StatusBadRequest, "out_of_stock"
	case errors.Is(err, billing.ErrInvalidAmount), errors.Is(err, order.ErrBelowMinimum):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, billing.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, billing.ErrUserNotFound):
		return http.StatusNotFound, "user_not_found"
	case errors.Is(err, order.ErrOrderNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, order.ErrOrderExpired), errors.Is(err, order.ErrOrderNotPending):
		return http.StatusConflict, "order_state"
	case errors.Is(err, order.ErrAmountMismatch), errors.Is(err, payment.ErrInvalidSignature):
		return http.StatusBadRequest, "payment_rejected"
	case errors.Is(err, payment.ErrDisabled):
		return http.StatusBadRequest, "payment_disabled"
	case errors.Is(err, pricing.ErrPricingNotFound):
		return http.StatusBadRequest, "pricing_not_found"
	case errors.Is(err, upstream.ErrUpstreamNotFound):
		return http.StatusNotFound, "upstream_not_found"
	case errors.Is(err, usage.ErrInvalidMetric):
		return http.StatusBadRequest, "invalid_metric"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// WriteAPIError writes a dashboard API error as {"error": "...", "code": "..."}.
func WriteAPIError(c *gin.Context, err error) {
	status, code := apiErrorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("api request failed")
		message = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message, "code": code})
}
