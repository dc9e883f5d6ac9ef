package util

import (
	"context"
	"time"
)

type Backoff struct {
	Max     int
	Initial time.Duration
	Cap     time.Duration
}

// Delay returns the wait before retry number attempt (zero based), doubling
// from Initial and never exceeding Cap when Cap is set.
func (b Backoff) Delay(attempt int) time.Duration {
	wait := b.Initial
	for i := 0; i < attempt; i++ {
		wait *= 2
		if b.Cap > 0 && wait >= b.Cap {
			return b.Cap
		}
	}
	if b.Cap > 0 && wait > b.Cap {
		return b.Cap
	}
	return wait
}

// Retry runs fn up to b.Max+1 times. Errors for which retryable returns false
// are returned immediately; onRetry, when set, sees every retried failure.
func Retry(ctx context.Context, b Backoff, retryable func(error) bool, onRetry func(attempt int, err error), fn func() error) error {
	var err error
	for attempt := 0; attempt <= b.Max; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == b.Max {
			break
		}
		if onRetry != nil {
			onRetry(attempt+1, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Delay(attempt)):
		}
	}
	return err
}
