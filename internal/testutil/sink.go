package testutil

import (
	"context"
	"sync"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// RecordingSink keeps every emitted event.
type RecordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

var _ domain.EventSink = (*RecordingSink)(nil)

func (s *RecordingSink) Emit(ctx context.Context, ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of the recorded events.
func (s *RecordingSink) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Types returns the type of every recorded event in order.
func (s *RecordingSink) Types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}
