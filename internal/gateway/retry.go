package gateway

import (
	"context"
	"time"
)

const (
	readRetryAttempts = 3
	readRetryDelay    = 50 * time.Millisecond
)

// withRetry runs fn up to attempts times with a fixed backoff. Used only on
// read paths; mutations are idempotent at the ledger layer but retrying them
// here would hide real failures from the caller.
func withRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
