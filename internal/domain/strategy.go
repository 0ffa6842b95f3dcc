package domain

import "context"

// Signal is the latest entry/exit recommendation for a pair.
type Signal struct {
	Pair string `json:"pair"`
	Buy  bool   `json:"buy"`
	Sell bool   `json:"sell"`
}

// ROITable maps minutes since entry to the minimal profit ratio that closes
// the position.
type ROITable map[int]float64

// Strategy is the pluggable decision collaborator. Refresh is called once per
// pass with every pair the engine needs signals for; Signal then answers from
// that snapshot.
type Strategy interface {
	Name() string
	Refresh(ctx context.Context, pairs []string) error
	Signal(pair string) Signal
	StopLoss() float64
	MinimalROI() ROITable
	InformativePairs() []string
}

// At returns the threshold of the largest key not above minutes. ok is
// false when every key is above minutes.
func (t ROITable) At(minutes int) (roi float64, ok bool) {
	best := -1
	for k, v := range t {
		if k <= minutes && k > best {
			best, roi = k, v
		}
	}
	return roi, best >= 0
}
