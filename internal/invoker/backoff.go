package invoker

import (
	"math"
	"math/rand/v2"
	"time"
)

// backoffDelay returns the delay before retry attempt n (1-indexed):
// exponential growth from initial, capped at max, with full jitter to
// avoid synchronized retries across concurrent runs.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	base := float64(initial) * math.Pow(2, float64(attempt-1))
	if max > 0 && base > float64(max) {
		base = float64(max)
	}
	return time.Duration(rand.Float64() * base)
}
