// Package retry runs an operation with linear backoff between failed
// attempts.
package retry

import (
	"context"
	"time"
)

// Func is an operation that can be retried.
type Func func() error

// ShouldRetryFunc reports whether an error should trigger another attempt.
type ShouldRetryFunc func(error) bool

// OnRetryFunc is called before each wait, with the 1-based number of the
// attempt that just failed.
type OnRetryFunc func(attempt int, err error, wait time.Duration)

// Config bounds the retry loop.
type Config struct {
	// MaxRetries is the number of retries after the first attempt; the
	// operation runs at most MaxRetries+1 times.
	MaxRetries int

	// Delay is the base wait between attempts. The wait before retry n is
	// n times Delay.
	Delay time.Duration
}

// Options tunes retry behavior. The zero value retries every error silently.
type Options struct {
	// ShouldRetry, when set, is consulted after each failure; returning
	// false stops the loop and surfaces that error.
	ShouldRetry ShouldRetryFunc

	// OnRetry, when set, is called before each wait.
	OnRetry OnRetryFunc
}

// Do runs fn until it succeeds, attempts are exhausted, or ctx is canceled.
// The first success short-circuits; after exhaustion the last error is
// returned, earlier ones are only visible through OnRetry. A wait is
// abandoned when ctx is canceled, returning the error from the attempt that
// preceded it.
func Do(ctx context.Context, cfg Config, fn Func, opts Options) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		default:
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if opts.ShouldRetry != nil && !opts.ShouldRetry(lastErr) {
			return lastErr
		}

		if attempt < cfg.MaxRetries {
			wait := cfg.Delay * time.Duration(attempt+1)
			if opts.OnRetry != nil {
				opts.OnRetry(attempt+1, lastErr, wait)
			}
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(wait):
			}
		}
	}

	return lastErr
}
