package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx database/sql driver
	"github.com/redis/go-redis/v9"

	"github.com/seoulquant/collector/config"
	"github.com/seoulquant/collector/internal/migrate"
)

// ConnectDB opens and verifies the PostgreSQL connection pool.
func ConnectDB(cfg config.DBConfig, logger *slog.Logger) (*sql.DB, error) {
	// Build the DSN with url.URL so special characters in credentials survive.
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Name,
	}
	q := u.Query()
	q.Set("sslmode", cfg.SSLMode)
	u.RawQuery = q.Encode()

	db, err := sql.Open("pgx", u.String())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if pingErr := db.PingContext(ctx); pingErr != nil {
		if closeErr := db.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close database connection: %w", closeErr))
		}
		return nil, fmt.Errorf("ping database: %w", pingErr)
	}

	if logger != nil {
		logger.Info("database connected",
			"host", cfg.Host,
			"port", cfg.Port,
			"database", cfg.Name,
		)
	}
	return db, nil
}

// ConnectRedis connects the symbol cache client. Returns nil when the cache
// is disabled; a connection failure is logged but not fatal since the cache
// is advisory.
//
//nolint:ireturn // redis.UniversalClient keeps the cache layer client-agnostic.
func ConnectRedis(cfg config.RedisConfig, logger *slog.Logger) redis.UniversalClient {
	if !cfg.Enabled {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		if logger != nil {
			logger.Warn("redis unavailable, symbol cache disabled",
				"addr", cfg.Addr,
				"error", err,
			)
		}
		_ = client.Close()
		return nil
	}

	if logger != nil {
		logger.Info("redis connected", "addr", cfg.Addr)
	}
	return client
}

// RunMigrations applies pending schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if logger != nil {
		logger.InfoContext(ctx, "running database migrations")
	}
	if err := migrate.Run(ctx, db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
