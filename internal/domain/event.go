package domain

import (
	"context"
	"time"
)

// EventType names a notification event.
type EventType string

const (
	EventEntryPlaced    EventType = "entry_placed"
	EventEntryFilled    EventType = "entry_filled"
	EventEntryCancelled EventType = "entry_cancelled"
	EventExitPlaced     EventType = "exit_placed"
	EventExitFilled     EventType = "exit_filled"
	EventExitCancelled  EventType = "exit_cancelled"
	EventStatus         EventType = "status"
	EventError          EventType = "error"
)

// Event is a typed notification payload. Renderers format it; producers
// never pre-format strings into it apart from Status and Error.
type Event struct {
	Type          EventType  `json:"type"`
	Pair          string     `json:"pair,omitempty"`
	PositionID    int64      `json:"position_id,omitempty"`
	Amount        float64    `json:"amount,omitempty"`
	Rate          float64    `json:"rate,omitempty"`
	OpenRate      float64    `json:"open_rate,omitempty"`
	StakeAmount   float64    `json:"stake_amount,omitempty"`
	StakeCurrency string     `json:"stake_currency,omitempty"`
	ProfitAbs     float64    `json:"profit_abs,omitempty"`
	ProfitRatio   float64    `json:"profit_ratio,omitempty"`
	SellReason    SellReason `json:"sell_reason,omitempty"`
	OrderType     OrderType  `json:"order_type,omitempty"`
	Status        string     `json:"status,omitempty"`
	Error         string     `json:"error,omitempty"`
	Time          time.Time  `json:"time"`
}

// EventSink receives every event the core produces.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}
