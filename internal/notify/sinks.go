package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// EventsChannel is the bus channel events are published on.
const EventsChannel = "tradecore:events"

// Fanout forwards every event to each sink in order.
type Fanout []domain.EventSink

func (f Fanout) Emit(ctx context.Context, ev domain.Event) {
	for _, s := range f {
		s.Emit(ctx, ev)
	}
}

// BusSink publishes events as JSON on a bus channel, where the websocket
// hub and other processes pick them up.
type BusSink struct {
	bus     domain.SignalBus
	channel string
	logger  *slog.Logger
}

// NewBusSink publishes to channel on bus.
func NewBusSink(bus domain.SignalBus, channel string, logger *slog.Logger) *BusSink {
	return &BusSink{bus: bus, channel: channel, logger: logger.With(slog.String("component", "event_bus"))}
}

func (b *BusSink) Emit(ctx context.Context, ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("notify: encode event", slog.Any("error", err))
		return
	}
	if err := b.bus.Publish(ctx, b.channel, payload); err != nil {
		b.logger.Warn("notify: publish event", slog.String("event", string(ev.Type)), slog.Any("error", err))
	}
}

// AuditSink records every position event in the audit log.
type AuditSink struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewAuditSink writes to audit.
func NewAuditSink(audit domain.AuditStore, logger *slog.Logger) *AuditSink {
	return &AuditSink{audit: audit, logger: logger.With(slog.String("component", "audit"))}
}

func (a *AuditSink) Emit(ctx context.Context, ev domain.Event) {
	detail := map[string]any{
		"pair":        ev.Pair,
		"position_id": ev.PositionID,
		"amount":      ev.Amount,
		"rate":        ev.Rate,
		"stake":       ev.StakeAmount,
	}
	if ev.SellReason != "" {
		detail["sell_reason"] = string(ev.SellReason)
		detail["profit_ratio"] = ev.ProfitRatio
	}
	if ev.Status != "" {
		detail["status"] = ev.Status
	}
	if ev.Error != "" {
		detail["error"] = ev.Error
	}
	if err := a.audit.Log(ctx, string(ev.Type), detail); err != nil {
		a.logger.Warn("notify: audit log write failed", slog.String("event", string(ev.Type)), slog.Any("error", err))
	}
}

// LogSink writes every event to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink logs through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "events"))}
}

func (l *LogSink) Emit(ctx context.Context, ev domain.Event) {
	l.logger.Info("event",
		slog.String("type", string(ev.Type)),
		slog.String("pair", ev.Pair),
		slog.Int64("position_id", ev.PositionID),
		slog.String("sell_reason", string(ev.SellReason)),
		slog.String("status", ev.Status))
}
