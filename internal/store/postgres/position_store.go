package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

var (
	_ domain.PositionStore   = (*PositionStore)(nil)
	_ domain.PositionHistory = (*PositionStore)(nil)
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, pair, exchange, strategy, stake_amount, amount,
	open_rate, open_rate_requested, close_rate, close_rate_requested, close_profit,
	is_open, open_order_id, stop_loss, stop_loss_pct, initial_stop_loss,
	initial_stop_loss_pct, max_rate, min_rate, stoploss_order_id,
	stoploss_last_update, sell_reason, fee_open, fee_close, open_date, close_date`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                        domain.Position
		openOrderID, stopOrderID *string
		stopUpdate               *time.Time
		sellReason               string
	)
	err := row.Scan(
		&p.ID, &p.Pair, &p.Exchange, &p.Strategy, &p.StakeAmount, &p.Amount,
		&p.OpenRate, &p.OpenRateRequested, &p.CloseRate, &p.CloseRateRequested, &p.CloseProfit,
		&p.IsOpen, &openOrderID, &p.StopLoss, &p.StopLossPct, &p.InitialStopLoss,
		&p.InitialStopLossPct, &p.MaxRate, &p.MinRate, &stopOrderID,
		&stopUpdate, &sellReason, &p.FeeOpen, &p.FeeClose, &p.OpenDate, &p.CloseDate,
	)
	if err != nil {
		return domain.Position{}, err
	}
	if openOrderID != nil {
		p.OpenOrderID = *openOrderID
	}
	if stopOrderID != nil {
		p.StopLossOrderID = *stopOrderID
	}
	if stopUpdate != nil {
		p.StopLossLastUpdate = *stopUpdate
	}
	p.SellReason = domain.SellReason(sellReason)
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Create inserts pos and sets its ID.
func (s *PositionStore) Create(ctx context.Context, p *domain.Position) error {
	const query = `
		INSERT INTO positions (
			pair, exchange, strategy, stake_amount, amount,
			open_rate, open_rate_requested, close_rate, close_rate_requested, close_profit,
			is_open, open_order_id, stop_loss, stop_loss_pct, initial_stop_loss,
			initial_stop_loss_pct, max_rate, min_rate, stoploss_order_id,
			stoploss_last_update, sell_reason, fee_open, fee_close, open_date, close_date
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19,
			$20, $21, $22, $23, $24, $25
		) RETURNING id`

	err := s.pool.QueryRow(ctx, query,
		p.Pair, p.Exchange, p.Strategy, p.StakeAmount, p.Amount,
		p.OpenRate, p.OpenRateRequested, p.CloseRate, p.CloseRateRequested, p.CloseProfit,
		p.IsOpen, nullString(p.OpenOrderID), p.StopLoss, p.StopLossPct, p.InitialStopLoss,
		p.InitialStopLossPct, p.MaxRate, p.MinRate, nullString(p.StopLossOrderID),
		nullTime(p.StopLossLastUpdate), string(p.SellReason), p.FeeOpen, p.FeeClose, p.OpenDate, p.CloseDate,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.Pair, err)
	}
	return nil
}

// Update replaces every mutable field of a position inside a transaction
// that holds the row lock. A row that is already closed is left untouched
// and domain.ErrPositionClosed is returned.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			stake_amount          = $2,
			amount                = $3,
			open_rate             = $4,
			open_rate_requested   = $5,
			close_rate            = $6,
			close_rate_requested  = $7,
			close_profit          = $8,
			is_open               = $9,
			open_order_id         = $10,
			stop_loss             = $11,
			stop_loss_pct         = $12,
			initial_stop_loss     = $13,
			initial_stop_loss_pct = $14,
			max_rate              = $15,
			min_rate              = $16,
			stoploss_order_id     = $17,
			stoploss_last_update  = $18,
			sell_reason           = $19,
			fee_open              = $20,
			fee_close             = $21,
			close_date            = $22,
			updated_at            = NOW()
		WHERE id = $1`

	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		var isOpen bool
		err := tx.QueryRow(ctx, `SELECT is_open FROM positions WHERE id = $1 FOR UPDATE`, p.ID).Scan(&isOpen)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if !isOpen {
			return domain.ErrPositionClosed
		}
		_, err = tx.Exec(ctx, query,
			p.ID, p.StakeAmount, p.Amount, p.OpenRate, p.OpenRateRequested,
			p.CloseRate, p.CloseRateRequested, p.CloseProfit, p.IsOpen,
			nullString(p.OpenOrderID), p.StopLoss, p.StopLossPct, p.InitialStopLoss,
			p.InitialStopLossPct, p.MaxRate, p.MinRate, nullString(p.StopLossOrderID),
			nullTime(p.StopLossLastUpdate), string(p.SellReason), p.FeeOpen, p.FeeClose, p.CloseDate,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: update position %d: %w", p.ID, err)
	}
	return nil
}

// Delete removes an open position; used only to discard an entry that never
// filled.
func (s *PositionStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = $1 AND is_open`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete position %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: delete position %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id int64) (domain.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %d: %w", id, err)
	}
	return p, nil
}

// ListOpen returns every open position ordered by id.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+positionSelectCols+` FROM positions WHERE is_open ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// SumOpenStake returns the stake committed to open positions.
func (s *PositionStore) SumOpenStake(ctx context.Context) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(stake_amount), 0) FROM positions WHERE is_open`).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum open stake: %w", err)
	}
	return sum, nil
}

// ListClosed returns closed positions, newest close first.
func (s *PositionStore) ListClosed(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query, args := withListOpts(`SELECT `+positionSelectCols+` FROM positions WHERE NOT is_open`, "close_date", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// DeleteClosedBefore removes closed positions whose close date precedes the
// cutoff. Used after archival.
func (s *PositionStore) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE NOT is_open AND close_date < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed positions: %w", err)
	}
	return tag.RowsAffected(), nil
}
