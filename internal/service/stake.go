package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// StakeAmount sizes the next entry on pair. Edge sizing wins when the
// advisor is enabled; otherwise the configured fixed stake is used, or with
// an unlimited stake the free balance split across the remaining slots.
func (s *ExecutionService) StakeAmount(ctx context.Context, pair string) (float64, error) {
	open, err := s.positions.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("execution_service: list open: %w", err)
	}
	if len(open) >= s.cfg.MaxOpenTrades {
		return 0, fmt.Errorf("execution_service: %d of %d trades open: %w",
			len(open), s.cfg.MaxOpenTrades, domain.ErrNoStakeAvailable)
	}
	inTrades, err := s.positions.SumOpenStake(ctx)
	if err != nil {
		return 0, fmt.Errorf("execution_service: sum open stake: %w", err)
	}
	free := s.wallet.Free(s.cfg.StakeCurrency)

	var stake float64
	switch {
	case s.risk != nil:
		stake = s.risk.StakeAmount(pair, free, s.wallet.Total(s.cfg.StakeCurrency), inTrades)
	case s.cfg.UnlimitedStake:
		stake = free / float64(s.cfg.MaxOpenTrades-len(open))
	default:
		stake = s.cfg.StakeAmount
		if stake > free {
			return 0, domain.NewVenueError(domain.ErrOperational, "stake_amount", pair,
				fmt.Errorf("available %s balance %v is lower than stake amount %v: %w",
					s.cfg.StakeCurrency, free, stake, domain.ErrNoStakeAvailable))
		}
	}

	if s.cfg.CapitalLimit > 0 && inTrades+stake > s.cfg.CapitalLimit {
		s.logger.Info("execution_service: capital limit reached",
			slog.String("pair", pair), slog.Float64("in_trades", inTrades),
			slog.Float64("stake", stake), slog.Float64("capital_limit", s.cfg.CapitalLimit))
		return 0, fmt.Errorf("execution_service: capital limit %v reached: %w", s.cfg.CapitalLimit, domain.ErrNoStakeAvailable)
	}
	return stake, nil
}
