package conn

import (
	"math/rand"
	"time"
)

// backoffDelay computes the reconnect delay for the given attempt:
// exponential growth from initial, capped at max, with jitter in the upper
// half of the interval so many clients recovering from the same outage do
// not reconnect in lockstep.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	d := initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
