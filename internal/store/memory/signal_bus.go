package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

var _ domain.SignalBus = (*SignalBus)(nil)

// SignalBus is an in-process domain.SignalBus. Stream ids are increasing
// integers rendered as strings; "0" reads from the beginning.
type SignalBus struct {
	mu      sync.Mutex
	maxLen  int
	streams map[string][]domain.StreamMessage
	seq     map[string]int64
	subs    map[string][]chan []byte
}

// NewSignalBus creates a bus keeping at most maxLen entries per stream;
// maxLen <= 0 keeps everything.
func NewSignalBus(maxLen int) *SignalBus {
	return &SignalBus{
		maxLen:  maxLen,
		streams: make(map[string][]domain.StreamMessage),
		seq:     make(map[string]int64),
		subs:    make(map[string][]chan []byte),
	}
}

// Publish delivers payload to current subscribers of channel. Slow
// subscribers miss messages rather than block the publisher.
func (b *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, c := range subs {
			if c == ch {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (b *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq[stream]++
	msgs := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatInt(b.seq[stream], 10),
		Payload: append([]byte(nil), payload...),
	})
	if b.maxLen > 0 && len(msgs) > b.maxLen {
		msgs = msgs[len(msgs)-b.maxLen:]
	}
	b.streams[stream] = msgs
	return nil
}

func (b *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, _ := strconv.ParseInt(lastID, 10, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		id, _ := strconv.ParseInt(m.ID, 10, 64)
		if id <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}
