// Package memory implements the ledger and lock interfaces in process
// memory. It backs paper mode when no database is configured and the
// package tests of the services.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

var (
	_ domain.PositionStore   = (*PositionStore)(nil)
	_ domain.PositionHistory = (*PositionStore)(nil)
)

// PositionStore keeps positions in a map guarded by a mutex. Every method
// copies values in and out so callers never share state with the store.
type PositionStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]domain.Position
}

// NewPositionStore returns an empty store.
func NewPositionStore() *PositionStore {
	return &PositionStore{rows: make(map[int64]domain.Position)}
}

// Create assigns the next id to pos and stores it.
func (s *PositionStore) Create(ctx context.Context, pos *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	pos.ID = s.nextID
	s.rows[pos.ID] = *pos
	return nil
}

// Update replaces a stored position. A row that is already closed cannot be
// changed.
func (s *PositionStore) Update(ctx context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[pos.ID]
	if !ok {
		return fmt.Errorf("memory: update position %d: %w", pos.ID, domain.ErrNotFound)
	}
	if !cur.IsOpen {
		return fmt.Errorf("memory: update position %d: %w", pos.ID, domain.ErrPositionClosed)
	}
	s.rows[pos.ID] = pos
	return nil
}

func (s *PositionStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return fmt.Errorf("memory: delete position %d: %w", id, domain.ErrNotFound)
	}
	delete(s.rows, id)
	return nil
}

func (s *PositionStore) GetByID(ctx context.Context, id int64) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: get position %d: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

// ListOpen returns open positions ordered by id.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	return s.list(func(p domain.Position) bool { return p.IsOpen }), nil
}

func (s *PositionStore) SumOpenStake(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	for _, p := range s.rows {
		if p.IsOpen {
			sum += p.StakeAmount
		}
	}
	return sum, nil
}

// ListClosed returns closed positions, newest close first.
func (s *PositionStore) ListClosed(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	out := s.list(func(p domain.Position) bool {
		if p.IsOpen || p.CloseDate == nil {
			return false
		}
		if opts.Since != nil && p.CloseDate.Before(*opts.Since) {
			return false
		}
		if opts.Until != nil && p.CloseDate.After(*opts.Until) {
			return false
		}
		return true
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CloseDate.After(*out[j].CloseDate) })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// DeleteClosedBefore drops closed positions whose close date is before the
// cutoff.
func (s *PositionStore) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, p := range s.rows {
		if !p.IsOpen && p.CloseDate != nil && p.CloseDate.Before(before) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *PositionStore) list(keep func(domain.Position) bool) []domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.rows {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
