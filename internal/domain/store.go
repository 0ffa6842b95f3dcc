package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore is the position ledger. Update runs in its own transaction
// and fails with ErrPositionClosed when the stored row is already closed.
type PositionStore interface {
	Create(ctx context.Context, pos *Position) error
	Update(ctx context.Context, pos Position) error
	Delete(ctx context.Context, id int64) error
	GetByID(ctx context.Context, id int64) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	SumOpenStake(ctx context.Context) (float64, error)
}

// PositionHistory lists closed positions for reporting and archival.
type PositionHistory interface {
	ListClosed(ctx context.Context, opts ListOpts) ([]Position, error)
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
