package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/store/memory"
	"github.com/alanyoungcy/tradecore/internal/testutil"
)

// scriptedProc returns the scripted errors in order, then nil.
type scriptedProc struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	onCall func(n int)
}

func (p *scriptedProc) Process(ctx context.Context) error {
	p.mu.Lock()
	p.calls++
	n := p.calls
	var err error
	if n <= len(p.errs) {
		err = p.errs[n-1]
	}
	cb := p.onCall
	p.mu.Unlock()
	if cb != nil {
		cb(n)
	}
	return err
}

func (p *scriptedProc) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type countingReloader struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingReloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *countingReloader) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func temporary() error {
	return domain.NewVenueError(domain.ErrTemporary, "get_tickers", "", errors.New("timeout"))
}

func statuses(sink *testutil.RecordingSink) []string {
	var out []string
	for _, ev := range sink.Events() {
		if ev.Type == domain.EventStatus {
			out = append(out, ev.Status)
		}
	}
	return out
}

func runAsync(ctx context.Context, w *Worker) <-chan error {
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return done
}

func TestParseState(t *testing.T) {
	s, err := ParseState("running")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, s)
	s, err = ParseState("stopped")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, s)
	_, err = ParseState("paused")
	assert.Error(t, err)
}

func TestRunPassesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc := &scriptedProc{onCall: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	sink := &testutil.RecordingSink{}
	w := New(Config{InitialState: StateRunning}, proc, nil, memory.NewLockManager(), sink, testutil.Logger())

	require.NoError(t, w.Run(ctx))
	assert.Equal(t, 3, proc.Calls())
	assert.Equal(t, int64(3), w.Passes())
	assert.Equal(t, []string{"running"}, statuses(sink))
}

// ctxProc records the error of its pass context after the parent was
// cancelled mid-pass.
type ctxProc struct {
	cancel context.CancelFunc
	seen   []error
}

func (p *ctxProc) Process(ctx context.Context) error {
	p.cancel()
	p.seen = append(p.seen, ctx.Err())
	return nil
}

func TestShutdownMidPassFinishesPass(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc := &ctxProc{cancel: cancel}
	w := New(Config{InitialState: StateRunning}, proc, nil, memory.NewLockManager(), &testutil.RecordingSink{}, testutil.Logger())

	require.NoError(t, w.Run(ctx))
	require.Len(t, proc.seen, 1, "no pass starts after shutdown")
	assert.NoError(t, proc.seen[0], "the pass in flight keeps a live context")
	assert.Equal(t, int64(1), w.Passes())
}

func TestTemporaryErrorsBackOff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc := &scriptedProc{
		errs: []error{temporary(), temporary(), nil, temporary()},
		onCall: func(n int) {
			if n == 4 {
				cancel()
			}
		},
	}
	w := New(Config{InitialState: StateRunning}, proc, nil, memory.NewLockManager(), &testutil.RecordingSink{}, testutil.Logger())
	var slept []time.Duration
	w.sleep = func(ctx context.Context, d time.Duration, wake <-chan struct{}) { slept = append(slept, d) }

	require.NoError(t, w.Run(ctx))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept, "retry count resets after a clean pass")
	assert.Equal(t, StateRunning, w.State())
}

func TestNonTemporaryErrorsHalt(t *testing.T) {
	for name, err := range map[string]error{
		"operational": domain.NewVenueError(domain.ErrOperational, "get_balances", "", errors.New("key revoked")),
		"fatal":       errors.New("ledger corrupted"),
	} {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			proc := &scriptedProc{errs: []error{err}}
			sink := &testutil.RecordingSink{}
			w := New(Config{InitialState: StateRunning}, proc, nil, memory.NewLockManager(), sink, testutil.Logger())

			done := runAsync(ctx, w)
			require.Eventually(t, func() bool { return w.State() == StateHalted }, time.Second, time.Millisecond)
			require.Eventually(t, func() bool { return len(statuses(sink)) == 2 }, time.Second, time.Millisecond)
			cancel()
			require.NoError(t, <-done)

			assert.Equal(t, 1, proc.Calls())
			assert.Equal(t, []string{"running", "halted"}, statuses(sink))
			var errEvents []domain.Event
			for _, ev := range sink.Events() {
				if ev.Type == domain.EventError {
					errEvents = append(errEvents, ev)
				}
			}
			require.Len(t, errEvents, 1)
			assert.Contains(t, errEvents[0].Error, err.Error())
		})
	}
}

func TestStartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc := &scriptedProc{}
	sink := &testutil.RecordingSink{}
	w := New(Config{InitialState: StateStopped, Throttle: time.Millisecond}, proc, nil, memory.NewLockManager(), sink, testutil.Logger())

	done := runAsync(ctx, w)
	require.Eventually(t, func() bool { return len(statuses(sink)) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, proc.Calls())

	w.Start()
	require.Eventually(t, func() bool { return proc.Calls() >= 2 }, time.Second, time.Millisecond)

	w.Stop()
	require.Eventually(t, func() bool { return w.State() == StateStopped && len(statuses(sink)) == 3 }, time.Second, time.Millisecond)
	calls := proc.Calls()
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, proc.Calls(), calls+1, "at most the pass in flight completes")

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"stopped", "running", "stopped"}, statuses(sink))
}

func TestHaltedWorkerRestarts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc := &scriptedProc{errs: []error{errors.New("boom")}}
	w := New(Config{InitialState: StateRunning, Throttle: time.Millisecond}, proc, nil, memory.NewLockManager(), &testutil.RecordingSink{}, testutil.Logger())

	done := runAsync(ctx, w)
	require.Eventually(t, func() bool { return w.State() == StateHalted }, time.Second, time.Millisecond)
	w.Start()
	require.Eventually(t, func() bool { return w.Passes() >= 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestReload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc := &scriptedProc{onCall: func(n int) { cancel() }}
	reloader := &countingReloader{}
	w := New(Config{InitialState: StateReload}, proc, reloader, memory.NewLockManager(), &testutil.RecordingSink{}, testutil.Logger())

	require.NoError(t, w.Run(ctx))
	assert.Equal(t, 1, reloader.Calls())
	assert.Equal(t, 1, proc.Calls())
	assert.Equal(t, StateRunning, w.State())
}

func TestReloadFailureHalts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloader := &countingReloader{err: errors.New("bad config")}
	w := New(Config{InitialState: StateReload}, &scriptedProc{}, reloader, memory.NewLockManager(), &testutil.RecordingSink{}, testutil.Logger())

	done := runAsync(ctx, w)
	require.Eventually(t, func() bool { return w.State() == StateHalted }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, reloader.Calls())
}

func TestLockedLedgerSkipsPasses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	locks := memory.NewLockManager()
	unlock, err := locks.Acquire(ctx, "tradecore:worker", time.Minute)
	require.NoError(t, err)
	defer unlock()

	proc := &scriptedProc{}
	w := New(Config{InitialState: StateRunning, Throttle: time.Millisecond}, proc, nil, locks, &testutil.RecordingSink{}, testutil.Logger())

	require.NoError(t, w.Run(ctx))
	assert.Equal(t, 0, proc.Calls())
	assert.Equal(t, StateRunning, w.State())
}

func TestExclusiveWaitsForLock(t *testing.T) {
	ctx := context.Background()
	locks := memory.NewLockManager()
	w := New(Config{InitialState: StateStopped}, &scriptedProc{}, nil, locks, &testutil.RecordingSink{}, testutil.Logger())

	ran := false
	require.NoError(t, w.Exclusive(ctx, time.Second, func(context.Context) error {
		ran = true
		_, err := locks.Acquire(ctx, "tradecore:worker", time.Minute)
		assert.ErrorIs(t, err, domain.ErrLockHeld, "held while fn runs")
		return nil
	}))
	assert.True(t, ran)

	unlock, err := locks.Acquire(ctx, "tradecore:worker", time.Minute)
	require.NoError(t, err, "released afterwards")

	err = w.Exclusive(ctx, 0, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	go func() {
		time.Sleep(50 * time.Millisecond)
		unlock()
	}()
	sentinel := errors.New("from fn")
	err = w.Exclusive(ctx, 5*time.Second, func(context.Context) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
}
