// Package worker drives the engine: it runs one pass per throttle interval
// while running, and reacts to operator commands and pass failures.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/infra"
	"github.com/alanyoungcy/tradecore/internal/metrics"
)

// State is the worker lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateHalted
	StateReload
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateReload:
		return "reload"
	default:
		return "stopped"
	}
}

// ParseState maps a configured initial state name to a State.
func ParseState(s string) (State, error) {
	switch s {
	case "running", "":
		return StateRunning, nil
	case "stopped":
		return StateStopped, nil
	}
	return StateStopped, fmt.Errorf("worker: unknown state %q", s)
}

const lockPoll = 100 * time.Millisecond

// Processor runs one pass.
type Processor interface {
	Process(ctx context.Context) error
}

// Reloader re-reads whatever the process caches between passes.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Config controls pass pacing and the ledger lock.
type Config struct {
	Throttle     time.Duration
	LockKey      string
	LockTTL      time.Duration
	InitialState State
}

// Worker owns the state value. Start, Stop and Reload may be called from
// any goroutine; every pass runs on the goroutine that called Run.
type Worker struct {
	cfg      Config
	proc     Processor
	reloader Reloader
	locks    domain.LockManager
	sink     domain.EventSink
	logger   *slog.Logger

	state   atomic.Int32
	wake    chan struct{}
	retries int
	passes  atomic.Int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration, wake <-chan struct{})
}

// New creates a Worker in cfg.InitialState. reloader may be nil.
func New(cfg Config, proc Processor, reloader Reloader, locks domain.LockManager, sink domain.EventSink, logger *slog.Logger) *Worker {
	if cfg.LockKey == "" {
		cfg.LockKey = "tradecore:worker"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	w := &Worker{
		cfg:      cfg,
		proc:     proc,
		reloader: reloader,
		locks:    locks,
		sink:     sink,
		logger:   logger.With(slog.String("component", "worker")),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	w.state.Store(int32(cfg.InitialState))
	return w
}

// State returns the current state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Passes returns the number of completed passes.
func (w *Worker) Passes() int64 { return w.passes.Load() }

// Start resumes passes from stopped or halted.
func (w *Worker) Start() { w.set(StateRunning) }

// Stop pauses passes after the current one.
func (w *Worker) Stop() { w.set(StateStopped) }

// Reload asks for a reload before the next pass.
func (w *Worker) Reload() { w.set(StateReload) }

func (w *Worker) set(s State) {
	w.state.Store(int32(s))
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled. Shutdown is only observed between
// passes; a pass in flight runs to completion, bounded by the lock TTL.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker: starting",
		slog.String("state", w.State().String()), slog.Duration("throttle", w.cfg.Throttle))
	notified := State(-1)
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker: stopped")
			return nil
		}
		st := w.State()
		if st != notified {
			w.announce(ctx, st)
			notified = st
		}

		switch st {
		case StateRunning:
			start := w.now()
			w.runPass(ctx)
			if w.State() == StateRunning {
				w.throttle(ctx, start)
			}
		case StateReload:
			w.reload(ctx)
		default:
			select {
			case <-ctx.Done():
			case <-w.wake:
			}
		}
	}
}

func (w *Worker) reload(ctx context.Context) {
	if w.reloader != nil {
		if err := w.reloader.Reload(ctx); err != nil {
			w.halt(ctx, fmt.Errorf("worker: reload: %w", err))
			return
		}
	}
	w.state.CompareAndSwap(int32(StateReload), int32(StateRunning))
}

// runPass runs one pass under the ledger lock.
func (w *Worker) runPass(ctx context.Context) {
	unlock, err := w.locks.Acquire(ctx, w.cfg.LockKey, w.cfg.LockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		w.logger.Warn("worker: ledger is locked by another worker, skipping pass")
		return
	}
	if err != nil {
		w.handleError(ctx, fmt.Errorf("worker: acquire lock: %w", err))
		return
	}
	defer unlock()

	// A started pass always finishes: orders placed on the venue must reach
	// the ledger even when shutdown arrives mid-pass.
	passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.LockTTL)
	defer cancel()

	start := w.now()
	err = w.proc.Process(passCtx)
	metrics.PassDuration.Observe(w.now().Sub(start).Seconds())
	if err != nil {
		w.handleError(ctx, err)
		return
	}
	w.retries = 0
	w.passes.Add(1)
}

// Exclusive runs fn under the ledger lock so it never interleaves with a
// pass. It polls for up to wait while a pass holds the lock, then gives up
// with domain.ErrLockHeld.
func (w *Worker) Exclusive(ctx context.Context, wait time.Duration, fn func(ctx context.Context) error) error {
	deadline := w.now().Add(wait)
	for {
		unlock, err := w.locks.Acquire(ctx, w.cfg.LockKey, w.cfg.LockTTL)
		if err == nil {
			defer unlock()
			return fn(ctx)
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return fmt.Errorf("worker: acquire lock: %w", err)
		}
		if !w.now().Before(deadline) {
			return fmt.Errorf("worker: ledger busy: %w", err)
		}
		t := time.NewTimer(lockPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// handleError backs off on temporary failures and halts on everything else.
func (w *Worker) handleError(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	kind := domain.KindOf(err)
	metrics.PassErrors.WithLabelValues(kind.String()).Inc()
	if kind == domain.KindTemporary {
		d := infra.CalculateBackoff(w.retries)
		w.retries++
		w.logger.Warn("worker: temporary error, backing off",
			slog.Any("error", err), slog.Int("retry", w.retries), slog.Duration("backoff", d))
		w.sleep(ctx, d, nil)
		return
	}
	w.halt(ctx, err)
}

func (w *Worker) halt(ctx context.Context, err error) {
	w.logger.Error("worker: halting", slog.Any("error", err), slog.String("kind", domain.KindOf(err).String()))
	w.state.Store(int32(StateHalted))
	w.sink.Emit(ctx, domain.Event{
		Type:  domain.EventError,
		Error: err.Error(),
		Time:  w.now().UTC(),
	})
}

// throttle sleeps for what is left of the interval since start. A state
// change cuts the wait short.
func (w *Worker) throttle(ctx context.Context, start time.Time) {
	left := w.cfg.Throttle - w.now().Sub(start)
	if left <= 0 {
		return
	}
	w.sleep(ctx, left, w.wake)
}

func (w *Worker) announce(ctx context.Context, s State) {
	metrics.WorkerState.Set(stateGauge(s))
	if s == StateReload {
		return
	}
	w.logger.Info("worker: state changed", slog.String("state", s.String()))
	w.sink.Emit(ctx, domain.Event{Type: domain.EventStatus, Status: s.String(), Time: w.now().UTC()})
}

func stateGauge(s State) float64 {
	switch s {
	case StateRunning, StateReload:
		return 1
	case StateHalted:
		return 2
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration, wake <-chan struct{}) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-wake:
	}
}
