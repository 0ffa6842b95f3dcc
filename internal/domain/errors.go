package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrLockHeld         = errors.New("lock already held")
	ErrPositionClosed   = errors.New("position already closed")
	ErrNoStakeAvailable = errors.New("no stake available")
	ErrCircuitOpen      = errors.New("circuit breaker open")

	// Venue error kinds. Every error returned by an Exchange wraps exactly
	// one of these.
	ErrTemporary    = errors.New("temporary venue error")
	ErrInvalidOrder = errors.New("invalid order")
	ErrOperational  = errors.New("operational error")
)

// ErrorKind classifies an error for the worker loop.
type ErrorKind int

const (
	KindFatal ErrorKind = iota
	KindTemporary
	KindInvalidOrder
	KindOperational
)

func (k ErrorKind) String() string {
	switch k {
	case KindTemporary:
		return "temporary"
	case KindInvalidOrder:
		return "invalid_order"
	case KindOperational:
		return "operational"
	default:
		return "fatal"
	}
}

// KindOf reports the kind of err. Anything that does not wrap one of the
// venue kinds is fatal; it is never assumed recoverable.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindFatal
	case errors.Is(err, ErrTemporary), errors.Is(err, ErrRateLimited), errors.Is(err, ErrCircuitOpen):
		return KindTemporary
	case errors.Is(err, ErrInvalidOrder):
		return KindInvalidOrder
	case errors.Is(err, ErrOperational), errors.Is(err, ErrNoStakeAvailable), errors.Is(err, ErrUnauthorized):
		return KindOperational
	default:
		return KindFatal
	}
}

// VenueError carries the failing venue operation alongside its kind.
type VenueError struct {
	Kind error
	Op   string
	Pair string
	Err  error
}

func (e *VenueError) Error() string {
	if e.Pair != "" {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Pair, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *VenueError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// NewVenueError wraps err with the given kind sentinel.
func NewVenueError(kind error, op, pair string, err error) *VenueError {
	return &VenueError{Kind: kind, Op: op, Pair: pair, Err: err}
}

// PositionError decorates a ledger or decision failure with the position it
// happened on.
type PositionError struct {
	PositionID int64
	Pair       string
	Op         string
	Err        error
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("position %d %s %s: %v", e.PositionID, e.Pair, e.Op, e.Err)
}

func (e *PositionError) Unwrap() error { return e.Err }

// NewPositionError builds a PositionError for pos.
func NewPositionError(pos Position, op string, err error) *PositionError {
	return &PositionError{PositionID: pos.ID, Pair: pos.Pair, Op: op, Err: err}
}
