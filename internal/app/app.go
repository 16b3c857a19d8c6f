package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/MeteredGateway/internal/access"
	"github.com/router-for-me/MeteredGateway/internal/billing"
	"github.com/router-for-me/MeteredGateway/internal/config"
	"github.com/router-for-me/MeteredGateway/internal/db"
	"github.com/router-for-me/MeteredGateway/internal/gateway"
	internalhttp "github.com/router-for-me/MeteredGateway/internal/http"
	"github.com/router-for-me/MeteredGateway/internal/http/api/admin"
	"github.com/router-for-me/MeteredGateway/internal/http/api/front"
	"github.com/router-for-me/MeteredGateway/internal/logging"
	"github.com/router-for-me/MeteredGateway/internal/metrics"
	"github.com/router-for-me/MeteredGateway/internal/models"
	"github.com/router-for-me/MeteredGateway/internal/order"
	"github.com/router-for-me/MeteredGateway/internal/payment"
	"github.com/router-for-me/MeteredGateway/internal/pricing"
	"github.com/router-for-me/MeteredGateway/internal/ratelimit"
	"github.com/router-for-me/MeteredGateway/internal/security"
	"github.com/router-for-me/MeteredGateway/internal/settings"
	"github.com/router-for-me/MeteredGateway/internal/upstream"
	"github.com/router-for-me/MeteredGateway/internal/usage"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	settingsRefreshInterval = 30 * time.Second
	shutdownTimeout         = 15 * time.Second
)

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	return db.Migrate(conn.WithContext(ctx))
}

// CreateSuperAdmin creates a super_admin account, or promotes and resets an existing user with that name.
func CreateSuperAdmin(ctx context.Context, cfg config.AppConfig, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return errors.New("app: username required")
	}
	if errValidate := security.ValidatePassword(password); errValidate != nil {
		return errValidate
	}
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	hash, errHash := security.HashPassword(password)
	if errHash != nil {
		return fmt.Errorf("app: hash password: %w", errHash)
	}

	var existing models.User
	errFind := conn.WithContext(ctx).Where("username = ?", username).First(&existing).Error
	switch {
	case errFind == nil:
		errUpdate := conn.WithContext(ctx).Model(&existing).Updates(map[string]any{
			"password": hash,
			"role":     models.UserRoleSuperAdmin,
			"status":   models.UserStatusActive,
		}).Error
		if errUpdate != nil {
			return fmt.Errorf("app: promote user: %w", errUpdate)
		}
		log.Infof("promoted %s to super_admin", username)
		return nil
	case errors.Is(errFind, gorm.ErrRecordNotFound):
		user := models.User{
			Username: username,
			Password: hash,
			Status:   models.UserStatusActive,
			Role:     models.UserRoleSuperAdmin,
		}
		if errCreate := conn.WithContext(ctx).Create(&user).Error; errCreate != nil {
			return fmt.Errorf("app: create user: %w", errCreate)
		}
		log.Infof("created super_admin %s (id=%d)", username, user.ID)
		return nil
	default:
		return fmt.Errorf("app: find user: %w", errFind)
	}
}

// RunServer boots the gateway with database-backed components and blocks until ctx is done.
func RunServer(ctx context.Context, appCfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(appCfg.ConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logCloser := logging.Setup(cfg.Log)
	defer func() { _ = logCloser.Close() }()

	conn, err := db.OpenWithOptions(cfg.Database.DSN, db.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		SlowQuery:       cfg.Database.SlowQuery,
	})
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if errRefresh := settings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		log.WithError(errRefresh).Warn("initial settings snapshot failed")
	}

	rdb := openRedis(ctx, cfg.Redis)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	clock := billing.NewClock(cfg.Billing.Timezone, nil)
	billingService := billing.NewService(conn, clock)
	prices := pricing.NewTable(conn, cfg.Pricing.FallbackModel)
	ledger := usage.NewLedger(conn)
	gatewayMetrics := metrics.New()

	registry := upstream.NewRegistry(conn, cfg.Upstream.FailureThreshold)
	if errReload := registry.Reload(ctx); errReload != nil {
		return fmt.Errorf("app: load upstreams: %w", errReload)
	}
	monitor := upstream.NewMonitor(registry,
		upstream.WithInterval(cfg.Upstream.HealthInterval),
		upstream.WithProbeTimeout(cfg.Upstream.ProbeTimeout),
		upstream.WithConcurrency(cfg.Upstream.ProbeConcurrency),
		upstream.WithObserver(gatewayMetrics),
	)
	monitor.Start(ctx)

	payments := payment.NewClient(cfg.Payment)
	orders := order.NewEngine(conn, billingService, payments, cfg.Payment.OrderTTL)

	provider := access.NewDBAPIKeyProvider(conn, rdb)
	limiter := ratelimit.New(rdb, cfg.RateLimit.RequestsPerMinute)
	pipeline := gateway.NewPipeline(conn, registry, prices, billingService, ledger, gateway.Options{
		MaxRetries:     cfg.Upstream.MaxRetries,
		RequestTimeout: cfg.Upstream.RequestTimeout,
		Metrics:        gatewayMetrics,
	})

	sweeper := billing.NewSweeper(cfg.Billing.ExpirySchedule, clock)
	sweeper.Add("expire_packages", billingService.ExpirePackages)
	sweeper.Add("expire_orders", orders.ExpireStale)
	sweeper.Add("prune_usage", ledger.Prune)
	if errStart := sweeper.Start(ctx); errStart != nil {
		return errStart
	}
	defer sweeper.Stop()

	go refreshSettings(ctx, conn)

	engine := gin.New()
	engine.Use(gin.Recovery(), internalhttp.RequestLogger(), internalhttp.CORS())
	internalhttp.RegisterRelayRoutes(engine, provider, limiter, pipeline, gatewayMetrics)
	front.RegisterFrontRoutes(engine, conn, cfg.JWT, front.Services{
		Billing:        billingService,
		Ledger:         ledger,
		Orders:         orders,
		Prices:         prices,
		Keys:           provider,
		Redis:          rdb,
		PaymentEnabled: payments.Enabled(),
	})
	admin.RegisterAdminRoutes(engine, conn, cfg.JWT, admin.Services{
		Billing:  billingService,
		Ledger:   ledger,
		Orders:   orders,
		Prices:   prices,
		Registry: registry,
		Monitor:  monitor,
		Users:    provider,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("gateway listening on %s (config=%s)", server.Addr, configPath)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			serveErr <- errServe
		}
		close(serveErr)
	}()

	select {
	case errServe := <-serveErr:
		return errServe
	case <-ctx.Done():
	}

	log.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("app: shutdown: %w", errShutdown)
	}
	return nil
}

// openRedis returns nil when no address is configured or the server is unreachable.
func openRedis(ctx context.Context, cfg config.RedisConfig) *redis.Client {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if errPing := rdb.Ping(pingCtx).Err(); errPing != nil {
		log.WithError(errPing).Warnf("redis %s unreachable, running without cache and rate limiting", addr)
		_ = rdb.Close()
		return nil
	}
	return rdb
}

// refreshSettings keeps the in-memory settings snapshot in step with admin updates made by other instances.
func refreshSettings(ctx context.Context, conn *gorm.DB) {
	ticker := time.NewTicker(settingsRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if errRefresh := settings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
				log.WithError(errRefresh).Warn("refresh settings snapshot failed")
			}
		}
	}
}
