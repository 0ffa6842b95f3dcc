// Package infra holds retry and fault-isolation helpers shared by the venue
// client and the worker loop.
package infra

import "time"

const (
	baseDelay = 1 * time.Second
	maxDelay  = 60 * time.Second
)

// CalculateBackoff returns baseDelay * 2^retry, capped at maxDelay. A
// negative retry count yields baseDelay.
func CalculateBackoff(retry int) time.Duration {
	if retry < 0 {
		return baseDelay
	}
	// 2^30 seconds is far past the cap; avoid shifting into overflow.
	if retry > 30 {
		return maxDelay
	}
	d := baseDelay * time.Duration(1<<retry)
	if d > maxDelay {
		return maxDelay
	}
	return d
}
