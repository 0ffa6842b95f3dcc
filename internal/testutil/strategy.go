package testutil

import (
	"context"
	"sync"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// FakeStrategy answers signals from a fixed table.
type FakeStrategy struct {
	mu sync.Mutex

	Signals     map[string]domain.Signal
	SL          float64
	ROI         domain.ROITable
	Informative []string
	RefreshErr  error
	Refreshed   [][]string
}

var _ domain.Strategy = (*FakeStrategy)(nil)

// NewFakeStrategy returns a strategy with a -10% stop and a 4% flat ROI.
func NewFakeStrategy() *FakeStrategy {
	return &FakeStrategy{
		Signals: make(map[string]domain.Signal),
		SL:      -0.10,
		ROI:     domain.ROITable{0: 0.04},
	}
}

// Set replaces the signal of pair.
func (s *FakeStrategy) Set(pair string, buy, sell bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Signals[pair] = domain.Signal{Pair: pair, Buy: buy, Sell: sell}
}

func (s *FakeStrategy) Name() string { return "fake" }

func (s *FakeStrategy) Refresh(ctx context.Context, pairs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Refreshed = append(s.Refreshed, append([]string(nil), pairs...))
	return s.RefreshErr
}

func (s *FakeStrategy) Signal(pair string) domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig := s.Signals[pair]
	sig.Pair = pair
	return sig
}

func (s *FakeStrategy) StopLoss() float64           { return s.SL }
func (s *FakeStrategy) MinimalROI() domain.ROITable { return s.ROI }
func (s *FakeStrategy) InformativePairs() []string  { return s.Informative }
