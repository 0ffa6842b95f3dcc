package domain

import (
	"context"
	"time"
)

// MarketCache keeps the venue market table between reloads.
type MarketCache interface {
	SetAll(ctx context.Context, markets map[string]Market) error
	GetAll(ctx context.Context) (map[string]Market, error)
	Invalidate(ctx context.Context) error
}

// PairLocker holds cool-down locks on pairs after an exit.
type PairLocker interface {
	Lock(ctx context.Context, pair string, until time.Time) error
	Unlock(ctx context.Context, pair string) error
	IsLocked(ctx context.Context, pair string) (bool, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
