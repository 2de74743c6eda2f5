package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"banksync-backend/internal/adapters/providers"
	"banksync-backend/internal/adapters/providers/gocardless"
	"banksync-backend/internal/adapters/providers/saltedge"
	"banksync-backend/internal/api"
	"banksync-backend/internal/application/service"
	"banksync-backend/internal/domain/settlement"
	"banksync-backend/internal/infrastructure/config"
	"banksync-backend/internal/infrastructure/logging"
	"banksync-backend/internal/infrastructure/storage"
	"banksync-backend/internal/ledger"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadOrEnv()
	logger := logging.NewLogger(cfg.Observability.Logging)

	store, err := storage.NewStorage(cfg.Storage.DatabasePath)
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	orders, err := ledger.NewSQLite(store.DB(), ledger.FeePolicy{})
	if err != nil {
		logger.Error("failed to open order ledger", "error", err)
		os.Exit(1)
	}

	tolerance, err := decimal.NewFromString(cfg.Matching.AmountTolerance)
	if err != nil {
		tolerance = decimal.RequireFromString("0.01")
	}

	clients := buildProviders(cfg)
	engine := settlement.New(orders, tolerance, logger)
	syncSvc := service.NewSyncService(cfg, store, orders, engine, clients, logger)
	reviewSvc := service.NewReviewService(store, orders, engine, tolerance, logger)

	server := api.NewServer(api.Config{
		Port:           cfg.API.Port,
		AllowedOrigins: cfg.API.AllowedOrigins,
	}, store, clients, syncSvc, reviewSvc, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func buildProviders(cfg *config.Config) map[string]providers.Provider {
	clients := make(map[string]providers.Provider)
	if cfg.Providers.GoCardless.Enabled {
		clients["gocardless"] = gocardless.New("",
			cfg.Providers.GoCardless.SecretID,
			cfg.Providers.GoCardless.SecretKey,
		)
	}
	if cfg.Providers.SaltEdge.Enabled {
		clients["saltedge"] = saltedge.New("",
			cfg.Providers.SaltEdge.AppID,
			cfg.Providers.SaltEdge.Secret,
		)
	}
	return clients
}
