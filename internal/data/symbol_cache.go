package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seoulquant/collector/internal/domain/model"
)

// SymbolCache keeps the active symbol list for an exchange in Redis so the
// price-collection job does not re-read the symbols table on every run. The
// cache is advisory: a miss or a Redis outage falls back to the database.
type SymbolCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewSymbolCache creates a SymbolCache. A non-positive TTL defaults to 30m.
func NewSymbolCache(client redis.UniversalClient, ttl time.Duration) *SymbolCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SymbolCache{client: client, ttl: ttl}
}

func symbolCacheKey(exchange model.Exchange) string {
	return "collector:symbols:" + string(exchange)
}

// Put stores the symbol list for an exchange.
func (c *SymbolCache) Put(ctx context.Context, exchange model.Exchange, symbols []model.Symbol) error {
	if c == nil || c.client == nil {
		return nil
	}
	payload, err := json.Marshal(symbols)
	if err != nil {
		return fmt.Errorf("encode symbol cache: %w", err)
	}
	if err := c.client.Set(ctx, symbolCacheKey(exchange), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set symbols: %w", err)
	}
	return nil
}

// Get returns the cached symbol list, or (nil, nil) on a miss.
func (c *SymbolCache) Get(ctx context.Context, exchange model.Exchange) ([]model.Symbol, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	raw, err := c.client.Get(ctx, symbolCacheKey(exchange)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get symbols: %w", err)
	}
	var symbols []model.Symbol
	if err := json.Unmarshal(raw, &symbols); err != nil {
		// A corrupt entry is treated as a miss; the next Put overwrites it.
		return nil, nil
	}
	return symbols, nil
}

// Invalidate drops the cached list, forcing the next reader back to the
// database. Called after symbol collection rewrites the table.
func (c *SymbolCache) Invalidate(ctx context.Context, exchange model.Exchange) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, symbolCacheKey(exchange)).Err(); err != nil {
		return fmt.Errorf("redis del symbols: %w", err)
	}
	return nil
}

// Health pings Redis for the readiness probe.
func (c *SymbolCache) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}
