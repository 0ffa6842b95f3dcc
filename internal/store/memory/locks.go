package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

var (
	_ domain.PairLocker  = (*PairLocker)(nil)
	_ domain.LockManager = (*LockManager)(nil)
)

// PairLocker holds pair cool-down locks until their expiry.
type PairLocker struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

func NewPairLocker() *PairLocker {
	return &PairLocker{until: make(map[string]time.Time), now: time.Now}
}

func (l *PairLocker) Lock(ctx context.Context, pair string, until time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.until[pair] = until
	return nil
}

func (l *PairLocker) Unlock(ctx context.Context, pair string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.until, pair)
	return nil
}

func (l *PairLocker) IsLocked(ctx context.Context, pair string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.until[pair]
	if !ok {
		return false, nil
	}
	if !l.now().Before(until) {
		delete(l.until, pair)
		return false, nil
	}
	return true, nil
}

// LockManager is a process-local domain.LockManager.
type LockManager struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]time.Time), now: time.Now}
}

// Acquire takes key for ttl or fails with domain.ErrLockHeld.
func (m *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.held[key]; ok && m.now().Before(exp) {
		return nil, domain.ErrLockHeld
	}
	exp := m.now().Add(ttl)
	m.held[key] = exp
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.held[key] == exp {
			delete(m.held, key)
		}
	}, nil
}
