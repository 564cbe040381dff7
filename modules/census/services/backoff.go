package services

import (
	"context"
	"time"
)

// backoffDelay returns the delay before the given retry attempt (1-based):
// the initial delay doubled per prior attempt, capped at ceiling.
func backoffDelay(attempt int, initial, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if initial <= 0 {
		return 0
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d <<= 1
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// sleepContext waits for d or until the context is done, whichever comes
// first, returning the context's error in the latter case.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
