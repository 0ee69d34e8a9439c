package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/seoulquant/collector/internal/errors"

	"github.com/seoulquant/collector/internal/data/pgxutil"
	"github.com/seoulquant/collector/internal/domain/model"
)

// ErrWatermarkRegression is returned when a plain watermark write would move
// the cursor backwards. Backfills must use RewindWatermark explicitly.
var ErrWatermarkRegression = errors.New("watermark write would move backwards")

// PriceRepo persists OHLCV bars and the per-stream watermarks that track how
// far collection has durably progressed.
type PriceRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewPriceRepo creates a PriceRepo.
func NewPriceRepo(db *sql.DB) *PriceRepo {
	return &PriceRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

const upsertBarSQL = `
	INSERT INTO price_bars (symbol_id, timeframe, ts, open, high, low, close, volume, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (symbol_id, timeframe, ts) DO UPDATE
	SET open = EXCLUDED.open,
	    high = EXCLUDED.high,
	    low = EXCLUDED.low,
	    close = EXCLUDED.close,
	    volume = EXCLUDED.volume,
	    updated_at = EXCLUDED.updated_at`

// UpsertBatch writes a window of bars and advances the watermark in one
// transaction. Either the whole window lands and the watermark moves, or
// nothing does — the watermark can never point past data that was not durably
// committed. Bars carry last-write-wins semantics on their natural key.
// Returns the number of bar rows written.
func (r *PriceRepo) UpsertBatch(ctx context.Context, bars []model.PriceBar, key model.WatermarkKey) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	var high time.Time
	for i := range bars {
		if err := bars[i].Validate(); err != nil {
			return 0, fmt.Errorf("price bar %d: %w", i, err)
		}
		if bars[i].Timestamp.After(high) {
			high = bars[i].Timestamp
		}
	}

	now := r.timeProvider.Now().UTC()
	affected := 0
	err := pgxutil.WithPgxTx(ctx, r.DB, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for i := range bars {
			b := &bars[i]
			batch.Queue(upsertBarSQL,
				b.SymbolID, b.Timeframe, b.Timestamp.UTC(),
				b.Open, b.High, b.Low, b.Close, b.Volume, now,
			)
		}
		br := tx.SendBatch(ctx, batch)
		for range bars {
			tag, execErr := br.Exec()
			if execErr != nil {
				_ = br.Close()
				return fmt.Errorf("upsert price bar: %w", execErr)
			}
			affected += int(tag.RowsAffected())
		}
		if closeErr := br.Close(); closeErr != nil {
			return fmt.Errorf("close batch: %w", closeErr)
		}
		return advanceWatermarkTx(ctx, tx, key, high, now)
	})
	if err != nil {
		return 0, apperrors.MapDBError(err)
	}
	return affected, nil
}

// advanceWatermarkTx moves the cursor forward only; GREATEST keeps it
// monotonic even if two replicas race on the same stream.
func advanceWatermarkTx(ctx context.Context, tx pgx.Tx, key model.WatermarkKey, ts, now time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO watermarks (key, ts, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET ts = GREATEST(watermarks.ts, EXCLUDED.ts),
		    updated_at = EXCLUDED.updated_at`,
		key.String(), ts.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("advance watermark %s: %w", key, err)
	}
	return nil
}

// ReadWatermark returns the last committed timestamp for key, or nil when the
// stream has never been collected.
func (r *PriceRepo) ReadWatermark(ctx context.Context, key model.WatermarkKey) (*time.Time, error) {
	var ts time.Time
	err := r.DB.QueryRowContext(ctx,
		`SELECT ts FROM watermarks WHERE key = $1`, key.String(),
	).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("read watermark %s: %w", key, err))
	}
	return &ts, nil
}

// WriteWatermark advances the cursor for key. Attempting to move backwards is
// rejected; use RewindWatermark for deliberate backfills.
func (r *PriceRepo) WriteWatermark(ctx context.Context, key model.WatermarkKey, ts time.Time) error {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO watermarks (key, ts, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET ts = EXCLUDED.ts, updated_at = EXCLUDED.updated_at
		WHERE watermarks.ts <= EXCLUDED.ts`,
		key.String(), ts.UTC(), now,
	)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("write watermark %s: %w", key, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("watermark rows affected: %w", err)
	}
	if n == 0 {
		return ErrWatermarkRegression
	}
	return nil
}

// RewindWatermark moves the cursor backwards for an explicit backfill. The
// next collection run re-ingests the window; idempotent upserts make the
// replay safe.
func (r *PriceRepo) RewindWatermark(ctx context.Context, key model.WatermarkKey, ts time.Time) error {
	now := r.timeProvider.Now().UTC()
	_, err := r.DB.ExecContext(ctx, `
		UPDATE watermarks SET ts = $2, updated_at = $3 WHERE key = $1`,
		key.String(), ts.UTC(), now,
	)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("rewind watermark %s: %w", key, err))
	}
	return nil
}

// CountBars reports how many bars exist for a stream; used by the ops surface
// and tests.
func (r *PriceRepo) CountBars(ctx context.Context, symbolID int64, tf model.Timeframe) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT count(*) FROM price_bars WHERE symbol_id = $1 AND timeframe = $2`,
		symbolID, tf,
	).Scan(&n)
	if err != nil {
		return 0, apperrors.MapDBError(fmt.Errorf("count bars: %w", err))
	}
	return n, nil
}
