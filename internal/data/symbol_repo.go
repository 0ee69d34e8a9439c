package data

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/seoulquant/collector/internal/errors"

	"github.com/seoulquant/collector/internal/data/pgxutil"
	"github.com/seoulquant/collector/internal/domain/model"
)

// SymbolRepo persists exchange symbols.
type SymbolRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewSymbolRepo creates a SymbolRepo.
func NewSymbolRepo(db *sql.DB) *SymbolRepo {
	return &SymbolRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// Upsert writes the batch atomically: every symbol is inserted or updated in a
// single transaction, keyed by (exchange, code). Returns the number of rows
// written. A validation failure on any symbol rolls back the whole batch.
func (r *SymbolRepo) Upsert(ctx context.Context, symbols []model.Symbol) (int, error) {
	if len(symbols) == 0 {
		return 0, nil
	}
	for i := range symbols {
		if err := symbols[i].Validate(); err != nil {
			return 0, fmt.Errorf("symbol %d: %w", i, err)
		}
	}

	now := r.timeProvider.Now().UTC()
	affected := 0
	err := pgxutil.WithPgxTx(ctx, r.DB, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for i := range symbols {
			s := &symbols[i]
			batch.Queue(`
				INSERT INTO symbols (exchange, code, base_asset, quote_asset, asset_class, active, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
				ON CONFLICT (exchange, code) DO UPDATE
				SET base_asset = EXCLUDED.base_asset,
				    quote_asset = EXCLUDED.quote_asset,
				    asset_class = EXCLUDED.asset_class,
				    active = EXCLUDED.active,
				    updated_at = EXCLUDED.updated_at`,
				s.Exchange, s.Code, s.BaseAsset, s.QuoteAsset, s.AssetClass, s.Active, now,
			)
		}
		br := tx.SendBatch(ctx, batch)
		defer func() { _ = br.Close() }()
		for range symbols {
			tag, execErr := br.Exec()
			if execErr != nil {
				return fmt.Errorf("upsert symbol: %w", execErr)
			}
			affected += int(tag.RowsAffected())
		}
		return br.Close()
	})
	if err != nil {
		return 0, apperrors.MapDBError(err)
	}
	return affected, nil
}

// ListActive returns active symbols for an exchange, ordered by id for stable
// collection order. limit <= 0 returns all.
func (r *SymbolRepo) ListActive(ctx context.Context, exchange model.Exchange, limit int) ([]model.Symbol, error) {
	query := `
		SELECT id, exchange, code, base_asset, quote_asset, asset_class, active, created_at, updated_at
		FROM symbols
		WHERE exchange = $1 AND active
		ORDER BY id`
	args := []any{exchange}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("list active symbols: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var out []model.Symbol
	for rows.Next() {
		var s model.Symbol
		if scanErr := rows.Scan(
			&s.ID, &s.Exchange, &s.Code, &s.BaseAsset, &s.QuoteAsset,
			&s.AssetClass, &s.Active, &s.CreatedAt, &s.UpdatedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("scan symbol: %w", scanErr)
		}
		out = append(out, s)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate symbols: %w", rowsErr)
	}
	return out, nil
}

// GetByCode resolves one symbol by its natural key.
func (r *SymbolRepo) GetByCode(ctx context.Context, exchange model.Exchange, code string) (*model.Symbol, error) {
	var s model.Symbol
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, exchange, code, base_asset, quote_asset, asset_class, active, created_at, updated_at
		FROM symbols
		WHERE exchange = $1 AND code = $2`,
		exchange, code,
	).Scan(&s.ID, &s.Exchange, &s.Code, &s.BaseAsset, &s.QuoteAsset, &s.AssetClass, &s.Active, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("get symbol %s/%s: %w", exchange, code, err))
	}
	return &s, nil
}
