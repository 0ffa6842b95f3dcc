// Package strategy provides the signal sources the engine trades on.
package strategy

import (
	"context"
	"slices"
	"sync"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Params are the exit parameters every strategy carries.
type Params struct {
	StopLoss         float64
	MinimalROI       domain.ROITable
	InformativePairs []string
}

// Static never signals on its own; the operator sets signals through Set,
// served as POST /api/signals. Without any, exits follow stop loss and ROI
// only.
type Static struct {
	name   string
	params Params

	mu      sync.RWMutex
	signals map[string]domain.Signal
}

var _ domain.Strategy = (*Static)(nil)

// NewStatic creates a Static strategy.
func NewStatic(name string, p Params) *Static {
	return &Static{name: name, params: p, signals: make(map[string]domain.Signal)}
}

// Set replaces the signal of pair.
func (s *Static) Set(sig domain.Signal) {
	s.mu.Lock()
	s.signals[sig.Pair] = sig
	s.mu.Unlock()
}

func (s *Static) Name() string                                  { return s.name }
func (s *Static) Refresh(ctx context.Context, _ []string) error { return nil }
func (s *Static) StopLoss() float64                             { return s.params.StopLoss }
func (s *Static) MinimalROI() domain.ROITable                   { return s.params.MinimalROI }
func (s *Static) InformativePairs() []string                    { return slices.Clone(s.params.InformativePairs) }

func (s *Static) Signal(pair string) domain.Signal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig := s.signals[pair]
	sig.Pair = pair
	return sig
}
