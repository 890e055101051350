package retry

import (
	"context"
	"time"
)

// ExponentialBackoff returns the delay before retry number attempt (0-based):
// base * 2^attempt, capped at limit when limit > 0.
func ExponentialBackoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if limit > 0 && d >= limit {
			return limit
		}
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// Do calls fn until it succeeds or attempts calls have been made, waiting
// ExponentialBackoff between calls. It returns the last error from fn, or the
// context error if ctx ends while waiting.
func Do(ctx context.Context, attempts int, base, limit time.Duration, fn func(attempt int) error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(ExponentialBackoff(attempt-1, base, limit))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err = fn(attempt); err == nil {
			return nil
		}
	}
	return err
}
