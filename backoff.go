package pgguard

import (
	"math/rand/v2"
	"time"
)

// jitterFunc returns a value in [0, n).
type jitterFunc func(n time.Duration) time.Duration

func defaultJitter(n time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(n)))
}

// backoffDelay computes min(base*2^(attempt-1) + jitter[0, base), limit).
// attempt is 1-based.
func backoffDelay(attempt int, base, limit time.Duration, jitter jitterFunc) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		if delay >= limit {
			return limit
		}
		delay *= 2
	}

	delay += jitter(base)
	if delay > limit || delay < 0 {
		return limit
	}
	return delay
}
