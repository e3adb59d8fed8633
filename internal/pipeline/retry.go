package pipeline

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	retryAttempts  = 4
	retryBaseDelay = 200 * time.Millisecond
)

// Retry runs fn up to maxAttempts times with jittered exponential backoff.
// The delay doubles each attempt and gets up to half of itself added as
// jitter. It gives up early when ctx is done and returns the last error.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		var jitter time.Duration
		if delay > 1 {
			jitter = rand.N(delay / 2)
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return lastErr
}
