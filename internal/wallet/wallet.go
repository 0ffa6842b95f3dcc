// Package wallet caches the venue balances between refreshes.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Snapshot is one wholesale copy of the venue wallet.
type Snapshot struct {
	Balances  map[string]domain.Balance
	UpdatedAt time.Time
}

// Wallet serves balances from the last snapshot. Update swaps the snapshot
// atomically, so a reader sees either the old or the new wallet.
type Wallet struct {
	venue  domain.Exchange
	logger *slog.Logger
	now    func() time.Time
	snap   atomic.Pointer[Snapshot]
}

// New creates an empty wallet; call Update before reading.
func New(venue domain.Exchange, logger *slog.Logger) *Wallet {
	w := &Wallet{
		venue:  venue,
		logger: logger.With(slog.String("component", "wallet")),
		now:    time.Now,
	}
	w.snap.Store(&Snapshot{Balances: map[string]domain.Balance{}})
	return w
}

// Update replaces the cached balances with a fresh venue snapshot. On error
// the previous snapshot stays in place.
func (w *Wallet) Update(ctx context.Context) error {
	balances, err := w.venue.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("wallet: update: %w", err)
	}
	cp := make(map[string]domain.Balance, len(balances))
	for cur, b := range balances {
		if b.Currency == "" {
			b.Currency = cur
		}
		cp[cur] = b
	}
	w.snap.Store(&Snapshot{Balances: cp, UpdatedAt: w.now()})
	w.logger.Debug("wallet: updated", slog.Int("currencies", len(cp)))
	return nil
}

// Free returns the free balance of currency, 0 when unknown.
func (w *Wallet) Free(currency string) float64 {
	return w.snap.Load().Balances[currency].Free
}

// Used returns the used balance of currency. ok is false when the venue did
// not report it.
func (w *Wallet) Used(currency string) (used float64, ok bool) {
	b, found := w.snap.Load().Balances[currency]
	if !found || b.Used == nil {
		return 0, false
	}
	return *b.Used, true
}

// Total returns the total balance of currency, 0 when unknown.
func (w *Wallet) Total(currency string) float64 {
	return w.snap.Load().Balances[currency].Total
}

// Balances returns the current snapshot sorted by currency.
func (w *Wallet) Balances() []domain.Balance {
	s := w.snap.Load()
	out := make([]domain.Balance, 0, len(s.Balances))
	for _, b := range s.Balances {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

// UpdatedAt returns when the snapshot was taken.
func (w *Wallet) UpdatedAt() time.Time {
	return w.snap.Load().UpdatedAt
}
