package retry

import "time"

// Defaults for the exponential backoff schedule.
const (
	DefaultBase = 2 * time.Second
	DefaultCap  = 60 * time.Second
)

// Backoff returns the delay before the given attempt using the default
// schedule: 2s, 4s, 8s, ... capped at 60s. Attempt is 1-indexed; attempt 0
// yields half the base.
func Backoff(attempt int) time.Duration {
	return BackoffWith(attempt, DefaultBase, DefaultCap)
}

// BackoffWith computes min(cap, 2^attempt * base / 2). Deterministic, no
// jitter; monotonic nondecreasing in attempt.
func BackoffWith(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base / 2
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}
