// Command collectord runs the market-data collection daemon: the trigger
// engine, the run executor pool, the crash-recovery reaper, and the ops HTTP
// surface.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/seoulquant/collector/internal/bootstrap"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		slog.Default().ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // main exits non-zero on fatal errors.
	}
}

func run(ctx context.Context) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}

	logger := bootstrap.InitLogger(cfg.IsDev)
	logger.InfoContext(ctx, "starting collectord",
		"db_host", cfg.Postgres.Host,
		"db_name", cfg.Postgres.Name,
		"timeframe", cfg.Collector.Timeframe,
		"upbit_enabled", cfg.Collector.Upbit.Enabled,
		"kis_enabled", cfg.Collector.KIS.Enabled,
	)

	db, err := bootstrap.ConnectDB(cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close database failed", "error", cerr)
		}
	}()

	redisClient := bootstrap.ConnectRedis(cfg.Redis, logger)
	if redisClient != nil {
		defer func() {
			if cerr := redisClient.Close(); cerr != nil {
				logger.ErrorContext(ctx, "close redis failed", "error", cerr)
			}
		}()
	}

	if cfg.Postgres.RunMigrationsOnStart {
		if err := bootstrap.RunMigrations(ctx, db, logger); err != nil {
			return err
		}
	} else {
		logger.InfoContext(ctx, "skipping database migrations on startup", "reason", "disabled via config")
	}

	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      &cfg,
		DB:          db,
		RedisClient: redisClient,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	return services.Run(ctx)
}
