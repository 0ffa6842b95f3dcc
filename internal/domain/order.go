package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the venue order type.
type OrderType string

const (
	OrderTypeLimit         OrderType = "limit"
	OrderTypeMarket        OrderType = "market"
	OrderTypeStopLossLimit OrderType = "stop_loss_limit"
)

// OrderStatus tracks the order lifecycle as reported by the venue.
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusClosed   OrderStatus = "closed"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusExpired  OrderStatus = "expired"
	OrderStatusRejected OrderStatus = "rejected"
)

// Terminal reports whether the venue will not fill the order any further.
func (s OrderStatus) Terminal() bool {
	return s != OrderStatusOpen
}

// Fee is a fee charged by the venue in a given currency.
type Fee struct {
	Currency string  `json:"currency"`
	Cost     float64 `json:"cost"`
	Rate     float64 `json:"rate,omitempty"`
}

// Order is a venue order snapshot.
type Order struct {
	ID        string      `json:"id"`
	Pair      string      `json:"pair"`
	Side      OrderSide   `json:"side"`
	Type      OrderType   `json:"type"`
	Status    OrderStatus `json:"status"`
	Price     float64     `json:"price"`
	Average   float64     `json:"average,omitempty"`
	StopPrice float64     `json:"stop_price,omitempty"`
	Amount    float64     `json:"amount"`
	Filled    float64     `json:"filled"`
	Remaining float64     `json:"remaining"`
	Cost      float64     `json:"cost"`
	Fee       *Fee        `json:"fee,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// FillPrice is the best known execution price of the order.
func (o Order) FillPrice() float64 {
	if o.Average > 0 {
		return o.Average
	}
	return o.Price
}

// OrderRequest describes an order to place.
type OrderRequest struct {
	Pair      string
	Side      OrderSide
	Type      OrderType
	Amount    float64
	Price     float64
	StopPrice float64
}
