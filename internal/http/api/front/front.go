package front

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/MeteredGateway/internal/billing"
	"github.com/router-for-me/MeteredGateway/internal/config"
	"github.com/router-for-me/MeteredGateway/internal/http/api/front/handlers"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/order"
	"github.com/router-for-me/MeteredGateway/internal/pricing"
	"github.com/router-for-me/MeteredGateway/internal/security"
	"github.com/router-for-me/MeteredGateway/internal/usage"
	"gorm.io/gorm"
)

// KeyCache drops cached API key authentications after a key changes.
type KeyCache interface {
	Invalidate(ctx context.Context, hash string)
}

// Services are the domain services behind the user dashboard API.
type Services struct {
	Billing        *billing.Service
	Ledger         *usage.Ledger
	Orders         *order.Engine
	Prices         *pricing.Table
	Keys           KeyCache
	Redis          *redis.Client // Optional; shares pending TOTP enrollments across instances.
	PaymentEnabled bool
}

// RegisterFrontRoutes registers public and authenticated user routes under /api.
func RegisterFrontRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, svc Services) {
	if r == nil || db == nil {
		return
	}

	front := r.Group("/api")

	authHandler := handlers.NewAuthHandler(db, jwtCfg)
	front.POST("/auth/register", authHandler.Register)
	front.POST("/auth/login", authHandler.Login)
	front.GET("/config", handlers.NewPublicConfigHandler(svc.PaymentEnabled).Get)

	pricingHandler := handlers.NewPricingHandler(svc.Prices)
	front.GET("/pricing", pricingHandler.List)

	orderHandler := handlers.NewOrderHandler(svc.Orders)
	front.GET("/payment/notify", orderHandler.Notify)
	front.POST("/payment/notify", orderHandler.Notify)

	authed := front.Group("")
	authed.Use(userAuthMiddleware(db, jwtCfg))

	profileHandler := handlers.NewProfileHandler(db)
	authed.GET("/auth/profile", profileHandler.Get)
	authed.PUT("/auth/profile", profileHandler.Update)
	authed.PUT("/auth/password", profileHandler.ChangePassword)

	mfaHandler := handlers.NewMFAHandler(db, svc.Redis)
	authed.GET("/auth/mfa", mfaHandler.Status)
	authed.POST("/auth/mfa/totp/prepare", mfaHandler.PrepareTOTP)
	authed.POST("/auth/mfa/totp/confirm", mfaHandler.ConfirmTOTP)
	authed.POST("/auth/mfa/totp/disable", mfaHandler.DisableTOTP)

	apiKeyHandler := handlers.NewAPIKeyHandler(db, svc.Keys)
	authed.GET("/keys", apiKeyHandler.List)
	authed.POST("/keys", apiKeyHandler.Create)
	authed.PUT("/keys/:id", apiKeyHandler.Update)
	authed.DELETE("/keys/:id", apiKeyHandler.Revoke)

	accountHandler := handlers.NewAccountHandler(svc.Billing)
	authed.GET("/account/balance", accountHandler.Balance)
	authed.GET("/account/transactions", accountHandler.Transactions)
	authed.GET("/user/daily-usage", accountHandler.DailyUsage)
	authed.GET("/user/packages", accountHandler.Packages)

	usageHandler := handlers.NewUsageHandler(svc.Ledger, svc.Billing.Clock())
	authed.GET("/usage/stats", usageHandler.Stats)
	authed.GET("/usage/logs", usageHandler.Logs)
	authed.GET("/usage/daily-trend", usageHandler.DailyTrend)
	authed.GET("/usage/models", usageHandler.Models)

	packageHandler := handlers.NewPackageHandler(db, svc.Orders)
	authed.GET("/packages", packageHandler.List)
	authed.POST("/packages/:id/purchase", packageHandler.Purchase)
	authed.POST("/packages/:id/switch", packageHandler.Switch)

	authed.POST("/recharge", orderHandler.Recharge)
	authed.POST("/coupons/validate", orderHandler.ValidateCoupon)
	authed.GET("/orders", orderHandler.List)
	authed.GET("/orders/:order_no", orderHandler.Get)
}

// userAuthMiddleware validates user JWTs and loads the user into context.
func userAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, status, message := authenticateUser(c, db, jwtCfg)
		if user == nil {
			c.AbortWithStatusJSON(status, gin.H{"error": message, "code": codeForStatus(status)})
			return
		}
		c.Set("userID", user.ID)
		c.Set("userRole", string(user.Role))
		c.Next()
	}
}

// authenticateUser resolves the bearer JWT to an active user.
func authenticateUser(c *gin.Context, db *gorm.DB, jwtCfg config.JWTConfig) (*models.User, int, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return nil, http.StatusUnauthorized, "missing authorization header"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		return nil, http.StatusUnauthorized, "invalid authorization format"
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, http.StatusUnauthorized, "empty token"
	}

	claims, errJWT := security.ParseToken(jwtCfg.Secret, token)
	if errJWT != nil {
		return nil, http.StatusUnauthorized, "invalid token"
	}

	var user models.User
	if errFind := db.WithContext(c.Request.Context()).First(&user, claims.UserID).Error; errFind != nil {
		return nil, http.StatusUnauthorized, "user not found"
	}
	if user.Status != models.UserStatusActive {
		return nil, http.StatusForbidden, "user is " + string(user.Status)
	}
	return &user, http.StatusOK, ""
}

func codeForStatus(status int) string {
	if status == http.StatusForbidden {
		return "forbidden"
	}
	return "unauthorized"
}

// UserAuthMiddleware exposes the JWT check for route groups registered elsewhere.
func UserAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
	return userAuthMiddleware(db, jwtCfg)
}
