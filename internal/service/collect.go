// Package service implements the collection handlers the job system executes.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/seoulquant/collector/internal/errors"

	"github.com/seoulquant/collector/internal/adapters/collector"
	"github.com/seoulquant/collector/internal/data"
	"github.com/seoulquant/collector/internal/domain/model"
)

// SymbolStore is the persistence surface CollectService needs for symbols.
type SymbolStore interface {
	Upsert(ctx context.Context, symbols []model.Symbol) (int, error)
	ListActive(ctx context.Context, exchange model.Exchange, limit int) ([]model.Symbol, error)
}

// PriceStore is the persistence surface for bars and watermarks.
type PriceStore interface {
	UpsertBatch(ctx context.Context, bars []model.PriceBar, key model.WatermarkKey) (int, error)
	ReadWatermark(ctx context.Context, key model.WatermarkKey) (*time.Time, error)
	WriteWatermark(ctx context.Context, key model.WatermarkKey, ts time.Time) error
}

// SymbolCache is the advisory Redis cache surface. A nil implementation is
// tolerated (cache disabled).
type SymbolCache interface {
	Get(ctx context.Context, exchange model.Exchange) ([]model.Symbol, error)
	Put(ctx context.Context, exchange model.Exchange, symbols []model.Symbol) error
	Invalidate(ctx context.Context, exchange model.Exchange) error
}

// CollectOptions configures a CollectService.
type CollectOptions struct {
	Collectors []collector.Collector
	Symbols    SymbolStore
	Prices     PriceStore
	Cache      SymbolCache
	Logger     *slog.Logger

	// Timeframe collected for every symbol stream.
	Timeframe model.Timeframe
	// DaysBack bounds the initial window when a stream has no watermark.
	DaysBack int
	// SymbolLimit caps symbols per exchange per run; <= 0 means all.
	SymbolLimit int

	TimeProvider data.TimeProvider
}

// CollectService implements the two collection handlers: symbol discovery and
// OHLCV price ingestion.
type CollectService struct {
	collectors  []collector.Collector
	symbols     SymbolStore
	prices      PriceStore
	cache       SymbolCache
	logger      *slog.Logger
	timeframe   model.Timeframe
	daysBack    int
	symbolLimit int
	tp          data.TimeProvider
}

// NewCollectService validates dependencies and builds the service.
func NewCollectService(opts CollectOptions) (*CollectService, error) {
	if len(opts.Collectors) == 0 {
		return nil, apperrors.Configuration("at least one exchange collector is required")
	}
	if opts.Symbols == nil || opts.Prices == nil {
		return nil, apperrors.Configuration("symbol and price stores are required")
	}
	tf := opts.Timeframe
	if tf == "" {
		tf = "1d"
	}
	if !tf.Valid() {
		return nil, apperrors.Configurationf("invalid timeframe %q", tf)
	}
	daysBack := opts.DaysBack
	if daysBack <= 0 {
		daysBack = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "collect_service")
	}
	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}
	return &CollectService{
		collectors:  opts.Collectors,
		symbols:     opts.Symbols,
		prices:      opts.Prices,
		cache:       opts.Cache,
		logger:      logger,
		timeframe:   tf,
		daysBack:    daysBack,
		symbolLimit: opts.SymbolLimit,
		tp:          tp,
	}, nil
}

// CollectSymbols discovers the tradable instruments on every exchange and
// upserts them by natural key. The Redis copy is rewritten afterwards so the
// price job sees the fresh listing.
func (s *CollectService) CollectSymbols(ctx context.Context) (model.RunStats, error) {
	var stats model.RunStats
	for _, col := range s.collectors {
		exchange := col.Exchange()

		symbols, err := col.FetchSymbols(ctx)
		if err != nil {
			return stats, fmt.Errorf("fetch symbols %s: %w", exchange, err)
		}

		n, err := s.symbols.Upsert(ctx, symbols)
		if err != nil {
			return stats, fmt.Errorf("upsert symbols %s: %w", exchange, err)
		}
		stats.SymbolsProcessed += len(symbols)
		stats.SymbolsUpserted += n

		if s.cache != nil {
			// Invalidate rather than Put: the cached entries carry database
			// ids, which fresh fetches do not have yet.
			if cacheErr := s.cache.Invalidate(ctx, exchange); cacheErr != nil {
				s.logger.WarnContext(ctx, "symbol cache invalidate failed",
					"exchange", exchange, "error", cacheErr)
			}
		}

		s.logger.InfoContext(ctx, "symbols collected",
			"exchange", exchange,
			"fetched", len(symbols),
			"upserted", n,
		)
	}

	// Job-level cursor: records when discovery last completed across every
	// exchange. Advisory only, so a write failure does not fail the run.
	if err := s.prices.WriteWatermark(ctx, model.JobWatermarkKey(HandlerCollectSymbols), s.tp.Now().UTC()); err != nil {
		s.logger.WarnContext(ctx, "symbol discovery watermark write failed", "error", err)
	}
	return stats, nil
}

// CollectPrices ingests OHLCV bars for every active symbol, resuming each
// stream from its watermark. Transient failures abort the run so the retry
// policy can replay it; the watermark guarantees replay starts where the last
// committed batch ended.
func (s *CollectService) CollectPrices(ctx context.Context) (model.RunStats, error) {
	var stats model.RunStats
	now := s.tp.Now().UTC()

	for _, col := range s.collectors {
		exchange := col.Exchange()

		symbols, err := s.activeSymbols(ctx, exchange)
		if err != nil {
			return stats, fmt.Errorf("load symbols %s: %w", exchange, err)
		}

		for i := range symbols {
			sym := symbols[i]
			if err := s.collectSymbolPrices(ctx, col, sym, now, &stats); err != nil {
				if !apperrors.IsRetryable(err) {
					// A permanently broken stream must not block the rest of
					// the listing.
					s.logger.ErrorContext(ctx, "symbol stream failed permanently",
						"exchange", exchange,
						"symbol", sym.Code,
						"error", err,
					)
					stats.WindowsSkipped++
					continue
				}
				return stats, fmt.Errorf("collect %s/%s: %w", exchange, sym.Code, err)
			}
			stats.SymbolsProcessed++
		}
	}
	return stats, nil
}

func (s *CollectService) collectSymbolPrices(
	ctx context.Context,
	col collector.Collector,
	sym model.Symbol,
	now time.Time,
	stats *model.RunStats,
) error {
	key := model.SymbolWatermarkKey(streamScope(sym), s.timeframe)

	wm, err := s.prices.ReadWatermark(ctx, key)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}

	// Resume from the watermark; re-fetching the watermark bar itself picks up
	// revisions to the still-open candle, and the upsert makes that safe. A
	// virgin stream starts days-back from now.
	from := now.AddDate(0, 0, -s.daysBack)
	if wm != nil {
		from = wm.UTC()
	}
	if from.After(now) {
		stats.WindowsSkipped++
		return nil
	}

	bars, err := col.FetchPriceBars(ctx, collector.PriceRequest{
		Symbol:    sym,
		Timeframe: s.timeframe,
		From:      from,
		To:        now,
	})
	if err != nil {
		return fmt.Errorf("fetch bars: %w", err)
	}
	if len(bars) == 0 {
		stats.WindowsSkipped++
		return nil
	}

	n, err := s.prices.UpsertBatch(ctx, bars, key)
	if err != nil {
		return fmt.Errorf("upsert bars: %w", err)
	}
	stats.BarsUpserted += n
	return nil
}

// activeSymbols reads through the cache. Misses and cache errors fall back to
// the database, then repopulate the cache.
func (s *CollectService) activeSymbols(ctx context.Context, exchange model.Exchange) ([]model.Symbol, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, exchange)
		if err != nil {
			s.logger.WarnContext(ctx, "symbol cache read failed",
				"exchange", exchange, "error", err)
		} else if len(cached) > 0 {
			if s.symbolLimit > 0 && len(cached) > s.symbolLimit {
				cached = cached[:s.symbolLimit]
			}
			return cached, nil
		}
	}

	symbols, err := s.symbols.ListActive(ctx, exchange, s.symbolLimit)
	if err != nil {
		return nil, err
	}
	if s.cache != nil && len(symbols) > 0 && s.symbolLimit <= 0 {
		if cacheErr := s.cache.Put(ctx, exchange, symbols); cacheErr != nil {
			s.logger.WarnContext(ctx, "symbol cache write failed",
				"exchange", exchange, "error", cacheErr)
		}
	}
	return symbols, nil
}

// streamScope builds the watermark scope for one symbol stream. Codes are
// namespaced by exchange so "005930" on KIS can never collide with a crypto
// market code.
func streamScope(sym model.Symbol) string {
	return string(sym.Exchange) + ":" + sym.Code
}
