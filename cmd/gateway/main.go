package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/router-for-me/MeteredGateway/internal/app"
	"github.com/router-for-me/MeteredGateway/internal/config"
	log "github.com/sirupsen/logrus"
)

func main() {
	var (
		configPath    string
		migrateOnly   bool
		adminUser     string
		adminPassword string
	)
	flag.StringVar(&configPath, "config", "", "path to config.yaml (defaults to $"+config.ConfigPathEnv+" or ./"+config.DefaultConfigFile+")")
	flag.BoolVar(&migrateOnly, "migrate", false, "run database migrations and exit")
	flag.StringVar(&adminUser, "create-admin", "", "create or promote a super_admin account with this username and exit")
	flag.StringVar(&adminPassword, "admin-password", "", "password for -create-admin")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appCfg := config.AppConfig{ConfigPath: configPath}
	switch {
	case migrateOnly:
		if errMigrate := app.Migrate(ctx, appCfg); errMigrate != nil {
			log.Fatalf("migrate: %v", errMigrate)
		}
		log.Info("migrations applied")
	case adminUser != "":
		if errCreate := app.CreateSuperAdmin(ctx, appCfg, adminUser, adminPassword); errCreate != nil {
			log.Fatalf("create admin: %v", errCreate)
		}
	default:
		if errRun := app.RunServer(ctx, appCfg); errRun != nil {
			log.Fatalf("gateway: %v", errRun)
		}
	}
}
