package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

const marketsKey = keyPrefix + "markets"

// MarketCache keeps the venue market table in one hash, one JSON field per
// pair, so every worker and the API see the same table between refreshes.
type MarketCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ domain.MarketCache = (*MarketCache)(nil)

// NewMarketCache creates a MarketCache whose table expires after ttl.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MarketCache{rdb: c.Underlying(), ttl: ttl}
}

// SetAll replaces the whole table atomically.
func (mc *MarketCache) SetAll(ctx context.Context, markets map[string]domain.Market) error {
	fields := make(map[string]any, len(markets))
	for pair, m := range markets {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("redis: marshal market %s: %w", pair, err)
		}
		fields[pair] = data
	}

	_, err := mc.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, marketsKey)
		if len(fields) > 0 {
			p.HSet(ctx, marketsKey, fields)
			p.Expire(ctx, marketsKey, mc.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set markets: %w", err)
	}
	return nil
}

// GetAll returns the cached table, or domain.ErrNotFound when it has
// expired or was never written.
func (mc *MarketCache) GetAll(ctx context.Context) (map[string]domain.Market, error) {
	raw, err := mc.rdb.HGetAll(ctx, marketsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get markets: %w", err)
	}
	if len(raw) == 0 {
		return nil, domain.ErrNotFound
	}
	out := make(map[string]domain.Market, len(raw))
	for pair, v := range raw {
		var m domain.Market
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("redis: unmarshal market %s: %w", pair, err)
		}
		out[pair] = m
	}
	return out, nil
}

func (mc *MarketCache) Invalidate(ctx context.Context) error {
	if err := mc.rdb.Del(ctx, marketsKey).Err(); err != nil {
		return fmt.Errorf("redis: invalidate markets: %w", err)
	}
	return nil
}
