// Package migrate applies the embedded SQL schema migrations.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/seoulquant/collector/internal/data/pgxutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Run applies all embedded migrations in lexical order. Safe to call multiple
// times; applied versions are tracked in schema_migrations.
func Run(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		if err := apply(ctx, db, f); err != nil {
			return err
		}
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, file string) error {
	version := strings.TrimSuffix(file, ".sql")

	var exists bool
	if err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check migration %s: %w", file, err)
	}
	if exists {
		return nil
	}

	sqlBytes, err := migrationsFS.ReadFile("migrations/" + file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	slog.Default().InfoContext(ctx, "applying migration", "version", version)

	// Schema change and version record commit together or not at all.
	err = pgxutil.WithSQLTx(ctx, db, func(tx *sql.Tx) error {
		if _, execErr := tx.ExecContext(ctx, string(sqlBytes)); execErr != nil {
			return fmt.Errorf("exec migration %s: %w", file, execErr)
		}
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, version,
		); execErr != nil {
			return fmt.Errorf("record migration %s: %w", file, execErr)
		}
		return nil
	})
	return err
}
