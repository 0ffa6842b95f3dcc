package domain

import "time"

// Fill is one venue trade executed against an order.
type Fill struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	Pair      string    `json:"pair"`
	Amount    float64   `json:"amount"`
	Price     float64   `json:"price"`
	Fee       *Fee      `json:"fee,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
