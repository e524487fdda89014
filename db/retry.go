package db

import (
	"context"
	"time"
)

const (
	// RetryAttempts bounds store retries for transient failures.
	RetryAttempts = 3
	// RetryBackoff is the pause between attempts.
	RetryBackoff = time.Second
	// CallTimeout caps a single store call; an unresponsive store is treated
	// as a frame level failure by the session.
	CallTimeout = 5 * time.Second
)

// Retry runs fn up to RetryAttempts times with RetryBackoff between
// attempts, giving each attempt its own CallTimeout deadline. It stops early
// when the parent context is cancelled.
func Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(RetryBackoff):
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, CallTimeout)
		err = fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
