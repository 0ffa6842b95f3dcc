package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// busBatch is how many stream entries one read asks for.
const busBatch = 500

// busSignal is the wire form of a signal on the stream.
type busSignal struct {
	Pair string    `json:"pair"`
	Buy  bool      `json:"buy"`
	Sell bool      `json:"sell"`
	Time time.Time `json:"time"`
}

// Bus reads signals published by an external analysis process to a stream.
// Refresh drains every entry appended since the last read and keeps the
// newest signal per pair. Signals older than MaxAge are ignored.
type Bus struct {
	name   string
	params Params
	bus    domain.SignalBus
	stream string
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	lastID  string
	latest  map[string]busSignal
	watched map[string]bool
}

var _ domain.Strategy = (*Bus)(nil)

// NewBus creates a strategy reading stream on bus from its beginning.
func NewBus(name string, p Params, bus domain.SignalBus, stream string, maxAge time.Duration, logger *slog.Logger) *Bus {
	return &Bus{
		name:    name,
		params:  p,
		bus:     bus,
		stream:  stream,
		maxAge:  maxAge,
		logger:  logger.With(slog.String("component", "bus_strategy")),
		now:     time.Now,
		lastID:  "0",
		latest:  make(map[string]busSignal),
		watched: make(map[string]bool),
	}
}

func (b *Bus) Name() string                { return b.name }
func (b *Bus) StopLoss() float64           { return b.params.StopLoss }
func (b *Bus) MinimalROI() domain.ROITable { return b.params.MinimalROI }
func (b *Bus) InformativePairs() []string  { return slices.Clone(b.params.InformativePairs) }

// Refresh reads the stream up to its current end. pairs limits which
// signals are kept; signals for other pairs are dropped.
func (b *Bus) Refresh(ctx context.Context, pairs []string) error {
	watched := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		watched[p] = true
	}

	b.mu.RLock()
	lastID := b.lastID
	b.mu.RUnlock()

	fresh := make(map[string]busSignal)
	for {
		msgs, err := b.bus.StreamRead(ctx, b.stream, lastID, busBatch)
		if err != nil {
			return fmt.Errorf("bus_strategy: read %s: %w", b.stream, err)
		}
		for _, m := range msgs {
			lastID = m.ID
			var s busSignal
			if err := json.Unmarshal(m.Payload, &s); err != nil {
				b.logger.Warn("bus_strategy: skipping malformed signal",
					slog.String("id", m.ID), slog.Any("error", err))
				continue
			}
			if s.Pair == "" {
				continue
			}
			fresh[s.Pair] = s
		}
		if len(msgs) < busBatch {
			break
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastID = lastID
	for pair, s := range fresh {
		if cur, ok := b.latest[pair]; ok && cur.Time.After(s.Time) {
			continue
		}
		b.latest[pair] = s
	}
	for pair := range b.latest {
		if !watched[pair] {
			delete(b.latest, pair)
		}
	}
	b.watched = watched
	return nil
}

// Signal returns the newest signal of pair, or no signal when it is stale
// or unknown.
func (b *Bus) Signal(pair string) domain.Signal {
	b.mu.RLock()
	s, ok := b.latest[pair]
	b.mu.RUnlock()
	if !ok {
		return domain.Signal{Pair: pair}
	}
	if b.maxAge > 0 && !s.Time.IsZero() && b.now().Sub(s.Time) > b.maxAge {
		b.logger.Debug("bus_strategy: ignoring stale signal",
			slog.String("pair", pair), slog.Time("signal_time", s.Time))
		return domain.Signal{Pair: pair}
	}
	return domain.Signal{Pair: pair, Buy: s.Buy, Sell: s.Sell}
}

// PublishSignal appends a signal to stream in the form Bus reads. It is what
// an external producer is expected to do.
func PublishSignal(ctx context.Context, bus domain.SignalBus, stream string, sig domain.Signal, at time.Time) error {
	payload, err := json.Marshal(busSignal{Pair: sig.Pair, Buy: sig.Buy, Sell: sig.Sell, Time: at})
	if err != nil {
		return fmt.Errorf("bus_strategy: encode signal: %w", err)
	}
	return bus.StreamAppend(ctx, stream, payload)
}
