package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MeteredGateway/internal/access"
	"github.com/router-for-me/MeteredGateway/internal/gateway"
	"github.com/router-for-me/MeteredGateway/internal/metrics"
	"github.com/router-for-me/MeteredGateway/internal/ratelimit"
)

// RegisterRelayRoutes registers the inference surface, liveness and metrics endpoints.
func RegisterRelayRoutes(r *gin.Engine, provider *access.DBAPIKeyProvider, limiter *ratelimit.Limiter, pipeline *gateway.Pipeline, gatewayMetrics *metrics.GatewayMetrics) {
	if r == nil || provider == nil || pipeline == nil {
		return
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatewayMetrics != nil {
		r.GET("/metrics", gin.WrapH(gatewayMetrics.Handler()))
	}

	relay := NewRelayHandler(pipeline)
	v1 := r.Group("/v1")
	v1.Use(AccessAuthMiddleware(provider, limiter))
	v1.GET("/models", relay.Models)
	v1.POST("/chat/completions", relay.Relay)
	v1.POST("/completions", relay.Relay)
	v1.POST("/responses", relay.Relay)
	v1.POST("/messages", relay.Relay)
}
