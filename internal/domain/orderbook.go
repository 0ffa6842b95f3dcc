package domain

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is a depth snapshot; bids descend and asks ascend from the top.
type OrderBook struct {
	Pair string       `json:"pair"`
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// BidVolume sums the size of every bid level.
func (ob OrderBook) BidVolume() float64 {
	var v float64
	for _, l := range ob.Bids {
		v += l.Size
	}
	return v
}

// AskVolume sums the size of every ask level.
func (ob OrderBook) AskVolume() float64 {
	var v float64
	for _, l := range ob.Asks {
		v += l.Size
	}
	return v
}
