package http

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MeteredGateway/internal/access"
	"github.com/router-for-me/MeteredGateway/internal/gateway"
	"github.com/router-for-me/MeteredGateway/internal/ratelimit"
)

const principalContextKey = "principal"

// AccessAuthMiddleware authenticates API keys, applies the per-key rate limit and injects the principal.
func AccessAuthMiddleware(provider *access.DBAPIKeyProvider, limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, errAuth := provider.Authenticate(c.Request.Context(), c.Request)
		if errAuth != nil {
			WriteError(c, gateway.StageAuthenticating, errAuth)
			return
		}
		if errLimit := limiter.Allow(c.Request.Context(), strconv.FormatUint(principal.APIKeyID, 10)); errLimit != nil {
			WriteError(c, gateway.StageLimitChecking, errLimit)
			return
		}
		c.Set(principalContextKey, principal)
		c.Next()
	}
}

// PrincipalFromContext returns the principal set by AccessAuthMiddleware.
func PrincipalFromContext(c *gin.Context) *access.Principal {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return nil
	}
	principal, _ := value.(*access.Principal)
	return principal
}
