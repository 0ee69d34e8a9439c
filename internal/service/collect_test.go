package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/seoulquant/collector/internal/errors"

	"github.com/seoulquant/collector/internal/adapters/collector"
	"github.com/seoulquant/collector/internal/data"
	"github.com/seoulquant/collector/internal/domain/model"
)

type fakeCollector struct {
	exchange model.Exchange
	symbols  []model.Symbol
	symErr   error

	barsFn   func(req collector.PriceRequest) ([]model.PriceBar, error)
	requests []collector.PriceRequest
}

func (f *fakeCollector) Exchange() model.Exchange { return f.exchange }

func (f *fakeCollector) FetchSymbols(ctx context.Context) ([]model.Symbol, error) {
	return f.symbols, f.symErr
}

func (f *fakeCollector) FetchPriceBars(ctx context.Context, req collector.PriceRequest) ([]model.PriceBar, error) {
	f.requests = append(f.requests, req)
	if f.barsFn != nil {
		return f.barsFn(req)
	}
	return nil, nil
}

type fakeSymbolStore struct {
	upserted [][]model.Symbol
	active   map[model.Exchange][]model.Symbol
	listErr  error
}

func (f *fakeSymbolStore) Upsert(ctx context.Context, symbols []model.Symbol) (int, error) {
	f.upserted = append(f.upserted, symbols)
	return len(symbols), nil
}

func (f *fakeSymbolStore) ListActive(ctx context.Context, exchange model.Exchange, limit int) ([]model.Symbol, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	symbols := f.active[exchange]
	if limit > 0 && len(symbols) > limit {
		symbols = symbols[:limit]
	}
	return symbols, nil
}

type fakePriceStore struct {
	watermarks map[string]time.Time
	batches    []struct {
		bars []model.PriceBar
		key  model.WatermarkKey
	}
}

func newFakePriceStore() *fakePriceStore {
	return &fakePriceStore{watermarks: map[string]time.Time{}}
}

func (f *fakePriceStore) UpsertBatch(ctx context.Context, bars []model.PriceBar, key model.WatermarkKey) (int, error) {
	f.batches = append(f.batches, struct {
		bars []model.PriceBar
		key  model.WatermarkKey
	}{bars, key})
	f.watermarks[key.String()] = bars[len(bars)-1].Timestamp
	return len(bars), nil
}

func (f *fakePriceStore) ReadWatermark(ctx context.Context, key model.WatermarkKey) (*time.Time, error) {
	ts, ok := f.watermarks[key.String()]
	if !ok {
		return nil, nil
	}
	return &ts, nil
}

func (f *fakePriceStore) WriteWatermark(ctx context.Context, key model.WatermarkKey, ts time.Time) error {
	f.watermarks[key.String()] = ts
	return nil
}

type fakeSymbolCache struct {
	entries     map[model.Exchange][]model.Symbol
	invalidated []model.Exchange
	puts        int
}

func newFakeSymbolCache() *fakeSymbolCache {
	return &fakeSymbolCache{entries: map[model.Exchange][]model.Symbol{}}
}

func (f *fakeSymbolCache) Get(ctx context.Context, exchange model.Exchange) ([]model.Symbol, error) {
	return f.entries[exchange], nil
}

func (f *fakeSymbolCache) Put(ctx context.Context, exchange model.Exchange, symbols []model.Symbol) error {
	f.entries[exchange] = symbols
	f.puts++
	return nil
}

func (f *fakeSymbolCache) Invalidate(ctx context.Context, exchange model.Exchange) error {
	delete(f.entries, exchange)
	f.invalidated = append(f.invalidated, exchange)
	return nil
}

func testBar(symbolID int64, ts time.Time) model.PriceBar {
	return model.PriceBar{
		SymbolID:  symbolID,
		Timeframe: "1d",
		Timestamp: ts,
		Open:      decimal.NewFromInt(100),
		High:      decimal.NewFromInt(110),
		Low:       decimal.NewFromInt(95),
		Close:     decimal.NewFromInt(105),
		Volume:    decimal.NewFromInt(1000),
	}
}

func TestNewCollectServiceValidation(t *testing.T) {
	_, err := NewCollectService(CollectOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))

	_, err = NewCollectService(CollectOptions{
		Collectors: []collector.Collector{&fakeCollector{exchange: model.ExchangeUpbit}},
	})
	require.Error(t, err, "stores are required")

	_, err = NewCollectService(CollectOptions{
		Collectors: []collector.Collector{&fakeCollector{exchange: model.ExchangeUpbit}},
		Symbols:    &fakeSymbolStore{},
		Prices:     newFakePriceStore(),
		Timeframe:  "3d",
	})
	require.Error(t, err, "invalid timeframe")
}

func TestCollectSymbols(t *testing.T) {
	col := &fakeCollector{
		exchange: model.ExchangeUpbit,
		symbols: []model.Symbol{
			{Exchange: model.ExchangeUpbit, Code: "KRW-BTC", AssetClass: model.AssetClassCrypto, Active: true},
			{Exchange: model.ExchangeUpbit, Code: "KRW-ETH", AssetClass: model.AssetClassCrypto, Active: true},
		},
	}
	store := &fakeSymbolStore{}
	prices := newFakePriceStore()
	cache := newFakeSymbolCache()
	cache.entries[model.ExchangeUpbit] = []model.Symbol{{ID: 1, Code: "stale"}}
	now := time.Date(2025, 6, 10, 15, 2, 0, 0, time.UTC)

	svc, err := NewCollectService(CollectOptions{
		Collectors:   []collector.Collector{col},
		Symbols:      store,
		Prices:       prices,
		Cache:        cache,
		TimeProvider: data.NewFixedTimeProvider(now),
	})
	require.NoError(t, err)

	stats, err := svc.CollectSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.SymbolsProcessed)
	assert.Equal(t, 2, stats.SymbolsUpserted)
	require.Len(t, store.upserted, 1)

	// The stale cache entry is invalidated, not replaced with id-less rows.
	assert.Equal(t, []model.Exchange{model.ExchangeUpbit}, cache.invalidated)
	assert.Empty(t, cache.entries[model.ExchangeUpbit])

	// Discovery completion is recorded under the job-level cursor.
	wm, err := prices.ReadWatermark(context.Background(), model.JobWatermarkKey(HandlerCollectSymbols))
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Equal(t, now, *wm)
}

func TestCollectSymbolsFetchFailureAborts(t *testing.T) {
	col := &fakeCollector{exchange: model.ExchangeUpbit, symErr: apperrors.Transient("exchange down")}

	svc, err := NewCollectService(CollectOptions{
		Collectors: []collector.Collector{col},
		Symbols:    &fakeSymbolStore{},
		Prices:     newFakePriceStore(),
	})
	require.NoError(t, err)

	_, err = svc.CollectSymbols(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestCollectPricesVirginStreamUsesDaysBack(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 2, 0, 0, time.UTC)
	sym := model.Symbol{ID: 1, Exchange: model.ExchangeUpbit, Code: "KRW-BTC", Active: true}

	col := &fakeCollector{
		exchange: model.ExchangeUpbit,
		barsFn: func(req collector.PriceRequest) ([]model.PriceBar, error) {
			return []model.PriceBar{testBar(1, req.From), testBar(1, req.To.Truncate(24 * time.Hour))}, nil
		},
	}
	prices := newFakePriceStore()

	svc, err := NewCollectService(CollectOptions{
		Collectors:   []collector.Collector{col},
		Symbols:      &fakeSymbolStore{active: map[model.Exchange][]model.Symbol{model.ExchangeUpbit: {sym}}},
		Prices:       prices,
		DaysBack:     3,
		TimeProvider: data.NewFixedTimeProvider(now),
	})
	require.NoError(t, err)

	stats, err := svc.CollectPrices(context.Background())
	require.NoError(t, err)

	require.Len(t, col.requests, 1)
	assert.Equal(t, now.AddDate(0, 0, -3), col.requests[0].From, "no watermark: window starts days-back from now")
	assert.Equal(t, now, col.requests[0].To)
	assert.Equal(t, 1, stats.SymbolsProcessed)
	assert.Equal(t, 2, stats.BarsUpserted)

	require.Len(t, prices.batches, 1)
	assert.Equal(t, "upbit:KRW-BTC|1d", prices.batches[0].key.String())
}

func TestCollectPricesResumesFromWatermark(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 2, 0, 0, time.UTC)
	wm := time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC)
	sym := model.Symbol{ID: 1, Exchange: model.ExchangeUpbit, Code: "KRW-BTC", Active: true}

	col := &fakeCollector{
		exchange: model.ExchangeUpbit,
		barsFn: func(req collector.PriceRequest) ([]model.PriceBar, error) {
			return []model.PriceBar{testBar(1, req.From), testBar(1, req.From.AddDate(0, 0, 1))}, nil
		},
	}
	prices := newFakePriceStore()
	prices.watermarks["upbit:KRW-BTC|1d"] = wm

	svc, err := NewCollectService(CollectOptions{
		Collectors:   []collector.Collector{col},
		Symbols:      &fakeSymbolStore{active: map[model.Exchange][]model.Symbol{model.ExchangeUpbit: {sym}}},
		Prices:       prices,
		TimeProvider: data.NewFixedTimeProvider(now),
	})
	require.NoError(t, err)

	_, err = svc.CollectPrices(context.Background())
	require.NoError(t, err)

	require.Len(t, col.requests, 1)
	assert.Equal(t, wm, col.requests[0].From, "window resumes at the watermark so the open candle is re-fetched")
}

func TestCollectPricesPermanentFailureSkipsStream(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 2, 0, 0, time.UTC)
	broken := model.Symbol{ID: 1, Exchange: model.ExchangeUpbit, Code: "KRW-DEAD", Active: true}
	healthy := model.Symbol{ID: 2, Exchange: model.ExchangeUpbit, Code: "KRW-BTC", Active: true}

	col := &fakeCollector{
		exchange: model.ExchangeUpbit,
		barsFn: func(req collector.PriceRequest) ([]model.PriceBar, error) {
			if req.Symbol.Code == "KRW-DEAD" {
				return nil, apperrors.Permanent("delisted market")
			}
			return []model.PriceBar{testBar(req.Symbol.ID, req.From)}, nil
		},
	}

	svc, err := NewCollectService(CollectOptions{
		Collectors:   []collector.Collector{col},
		Symbols:      &fakeSymbolStore{active: map[model.Exchange][]model.Symbol{model.ExchangeUpbit: {broken, healthy}}},
		Prices:       newFakePriceStore(),
		TimeProvider: data.NewFixedTimeProvider(now),
	})
	require.NoError(t, err)

	stats, err := svc.CollectPrices(context.Background())
	require.NoError(t, err, "one permanently broken stream must not fail the run")
	assert.Equal(t, 1, stats.WindowsSkipped)
	assert.Equal(t, 1, stats.SymbolsProcessed)
	assert.Equal(t, 1, stats.BarsUpserted)
}

func TestCollectPricesTransientFailureAbortsRun(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 2, 0, 0, time.UTC)
	sym := model.Symbol{ID: 1, Exchange: model.ExchangeUpbit, Code: "KRW-BTC", Active: true}

	col := &fakeCollector{
		exchange: model.ExchangeUpbit,
		barsFn: func(req collector.PriceRequest) ([]model.PriceBar, error) {
			return nil, apperrors.Transient("rate limited")
		},
	}

	svc, err := NewCollectService(CollectOptions{
		Collectors:   []collector.Collector{col},
		Symbols:      &fakeSymbolStore{active: map[model.Exchange][]model.Symbol{model.ExchangeUpbit: {sym}}},
		Prices:       newFakePriceStore(),
		TimeProvider: data.NewFixedTimeProvider(now),
	})
	require.NoError(t, err)

	_, err = svc.CollectPrices(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestCollectPricesEmptyWindowCountsSkipped(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 2, 0, 0, time.UTC)
	sym := model.Symbol{ID: 1, Exchange: model.ExchangeUpbit, Code: "KRW-BTC", Active: true}

	col := &fakeCollector{exchange: model.ExchangeUpbit}

	svc, err := NewCollectService(CollectOptions{
		Collectors:   []collector.Collector{col},
		Symbols:      &fakeSymbolStore{active: map[model.Exchange][]model.Symbol{model.ExchangeUpbit: {sym}}},
		Prices:       newFakePriceStore(),
		TimeProvider: data.NewFixedTimeProvider(now),
	})
	require.NoError(t, err)

	stats, err := svc.CollectPrices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.WindowsSkipped)
	assert.Equal(t, 1, stats.SymbolsProcessed)
}

func TestCollectPricesReadsThroughCache(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 2, 0, 0, time.UTC)
	sym := model.Symbol{ID: 1, Exchange: model.ExchangeUpbit, Code: "KRW-BTC", Active: true}

	col := &fakeCollector{
		exchange: model.ExchangeUpbit,
		barsFn: func(req collector.PriceRequest) ([]model.PriceBar, error) {
			return []model.PriceBar{testBar(1, req.From)}, nil
		},
	}
	store := &fakeSymbolStore{active: map[model.Exchange][]model.Symbol{model.ExchangeUpbit: {sym}}}
	cache := newFakeSymbolCache()

	svc, err := NewCollectService(CollectOptions{
		Collectors:   []collector.Collector{col},
		Symbols:      store,
		Prices:       newFakePriceStore(),
		Cache:        cache,
		TimeProvider: data.NewFixedTimeProvider(now),
	})
	require.NoError(t, err)

	// First run misses the cache, loads from the store, and repopulates.
	_, err = svc.CollectPrices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cache.puts)
	assert.Len(t, cache.entries[model.ExchangeUpbit], 1)

	// Second run is served from the cache without another Put.
	_, err = svc.CollectPrices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cache.puts)
}
