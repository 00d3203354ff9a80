package main

import (
	"context"
	"os"

	"github.com/safar/storefront-orders/internal/config"
	"github.com/safar/storefront-orders/internal/database"
	"github.com/safar/storefront-orders/internal/logging"
	"go.uber.org/zap"
)

func main() {
	logger := logging.MustNewLogger("storefront-migrations", os.Getenv("ENV"), "info")
	defer logger.Sync()

	if len(os.Args) < 2 {
		logger.Fatal("Usage: go run scripts/run_migrations.go [up|down]")
	}
	direction := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load_config_failed", zap.Error(err))
	}

	ctx := context.Background()
	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("database_connect_failed", zap.Error(err))
	}
	defer db.Close()

	applied, err := database.Migrate(ctx, db, "migrations", direction)
	if err != nil {
		logger.Fatal("migration_failed", zap.String("direction", direction), zap.Error(err))
	}

	for _, name := range applied {
		logger.Info("migration_applied", zap.String("file", name))
	}
	logger.Info("migrations_done", zap.Int("count", len(applied)), zap.String("direction", direction))
}
