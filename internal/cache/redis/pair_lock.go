package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// PairLocker stores exit cool-downs as expiring keys.
type PairLocker struct {
	rdb *redis.Client
}

var _ domain.PairLocker = (*PairLocker)(nil)

func NewPairLocker(c *Client) *PairLocker {
	return &PairLocker{rdb: c.Underlying()}
}

func pairLockKey(pair string) string {
	return keyPrefix + "pairlock:" + pair
}

// Lock holds pair until the given time. A time in the past unlocks it.
func (l *PairLocker) Lock(ctx context.Context, pair string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return l.Unlock(ctx, pair)
	}
	if err := l.rdb.Set(ctx, pairLockKey(pair), until.UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("redis: lock pair %s: %w", pair, err)
	}
	return nil
}

func (l *PairLocker) Unlock(ctx context.Context, pair string) error {
	if err := l.rdb.Del(ctx, pairLockKey(pair)).Err(); err != nil {
		return fmt.Errorf("redis: unlock pair %s: %w", pair, err)
	}
	return nil
}

func (l *PairLocker) IsLocked(ctx context.Context, pair string) (bool, error) {
	n, err := l.rdb.Exists(ctx, pairLockKey(pair)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: pair lock %s: %w", pair, err)
	}
	return n > 0, nil
}
