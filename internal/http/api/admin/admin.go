package admin

import (
	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MeteredGateway/internal/billing"
	"github.com/router-for-me/MeteredGateway/internal/config"
	"github.com/router-for-me/MeteredGateway/internal/http/api/admin/handlers"
	"github.com/router-for-me/MeteredGateway/internal/http/api/front"
	"github.com/router-for-me/MeteredGateway/internal/order"
	"github.com/router-for-me/MeteredGateway/internal/pricing"
	"github.com/router-for-me/MeteredGateway/internal/upstream"
	"github.com/router-for-me/MeteredGateway/internal/usage"
	"gorm.io/gorm"
)

// Services are the domain services behind the admin API.
type Services struct {
	Billing  *billing.Service
	Ledger   *usage.Ledger
	Orders   *order.Engine
	Prices   *pricing.Table
	Registry *upstream.Registry
	Monitor  *upstream.Monitor
	Users    handlers.UserCache
}

// RegisterAdminRoutes registers /api/admin routes gated on the admin and super_admin roles.
func RegisterAdminRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, svc Services) {
	if r == nil || db == nil {
		return
	}

	adminGroup := r.Group("/api/admin")
	adminGroup.Use(front.UserAuthMiddleware(db, jwtCfg), adminPermissionMiddleware())

	healthHandler := handlers.NewHealthHandler(db, svc.Registry)
	adminGroup.GET("/health", healthHandler.Healthz)

	userHandler := handlers.NewUserHandler(db, svc.Billing, svc.Users)
	adminGroup.GET("/users", userHandler.List)
	adminGroup.GET("/users/:id", userHandler.Get)
	adminGroup.PUT("/users/:id/status", userHandler.UpdateStatus)
	adminGroup.PUT("/users/:id/role", userHandler.UpdateRole)
	adminGroup.POST("/users/:id/balance", userHandler.AdjustBalance)
	adminGroup.GET("/users/:id/transactions", userHandler.Transactions)

	apiKeyHandler := handlers.NewAPIKeyHandler(db, svc.Users)
	adminGroup.GET("/users/:id/keys", apiKeyHandler.ListForUser)
	adminGroup.DELETE("/keys/:id", apiKeyHandler.Revoke)

	settingsHandler := handlers.NewSettingsHandler(db)
	adminGroup.GET("/settings", settingsHandler.List)
	adminGroup.PUT("/settings", settingsHandler.Upsert)

	upstreamHandler := handlers.NewUpstreamHandler(db, svc.Registry, svc.Monitor)
	adminGroup.GET("/upstreams", upstreamHandler.List)
	adminGroup.POST("/upstreams", upstreamHandler.Create)
	adminGroup.POST("/upstreams/check", upstreamHandler.CheckAll)
	adminGroup.PUT("/upstreams/:id", upstreamHandler.Update)
	adminGroup.DELETE("/upstreams/:id", upstreamHandler.Delete)
	adminGroup.PUT("/upstreams/:id/status", upstreamHandler.SetStatus)
	adminGroup.POST("/upstreams/:id/check", upstreamHandler.Check)

	pricingHandler := handlers.NewPricingHandler(svc.Prices)
	adminGroup.GET("/pricing", pricingHandler.Current)
	adminGroup.POST("/pricing", pricingHandler.Add)
	adminGroup.POST("/pricing/batch-update-markup", pricingHandler.BatchUpdateMarkup)
	adminGroup.GET("/pricing/:model/history", pricingHandler.History)

	packageHandler := handlers.NewPackageHandler(db)
	adminGroup.GET("/packages", packageHandler.List)
	adminGroup.POST("/packages", packageHandler.Create)
	adminGroup.PUT("/packages/:id", packageHandler.Update)
	adminGroup.DELETE("/packages/:id", packageHandler.Delete)
	adminGroup.GET("/user-packages", packageHandler.Subscriptions)

	couponHandler := handlers.NewCouponHandler(db)
	adminGroup.GET("/coupons", couponHandler.List)
	adminGroup.POST("/coupons", couponHandler.Create)
	adminGroup.PUT("/coupons/:id", couponHandler.Update)
	adminGroup.DELETE("/coupons/:id", couponHandler.Delete)

	orderHandler := handlers.NewOrderHandler(svc.Orders)
	adminGroup.GET("/orders", orderHandler.List)
	adminGroup.GET("/orders/stats", orderHandler.Stats)
	adminGroup.POST("/orders/:order_no/fail", orderHandler.MarkFailed)

	usageHandler := handlers.NewUsageHandler(svc.Ledger, svc.Billing.Clock())
	adminGroup.GET("/usage/logs", usageHandler.Logs)
	adminGroup.GET("/usage/stats", usageHandler.Stats)
}
