// Package asyncutil carries the small concurrency helpers shared across the
// gateway: bounded condition polling, retry with exponential backoff, and a
// timeout wrapper.
package asyncutil

import (
	"context"
	"time"

	"github.com/iotworks/blegw/internal/gwerr"
)

// PollCondition evaluates cond repeatedly until it returns true or the
// timeout elapses. The delay between attempts grows by backoff up to
// maxDelay, and the final sleep is clipped to the remaining budget.
// Cancellation is observed between polls. Returns true on success.
func PollCondition(ctx context.Context, cond func() bool, timeout, initialDelay, maxDelay time.Duration, backoff float64) bool {
	if backoff < 1 {
		backoff = 1
	}
	deadline := time.Now().Add(timeout)
	delay := initialDelay

	for {
		if cond() {
			return true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}

		sleep := delay
		if sleep > remaining {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * backoff)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// WithRetry runs op up to maxAttempts times. After a failed attempt it
// sleeps base*2^(attempt-1) capped at max, provided shouldRetry accepts the
// error; otherwise the error propagates immediately. A nil shouldRetry
// retries every error.
func WithRetry(ctx context.Context, op func() error, maxAttempts int, base, max time.Duration, shouldRetry func(error) bool) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}

		sleep := base << (attempt - 1)
		if sleep > max {
			sleep = max
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return gwerr.FromContext(ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

// WithTimeout races fn against the given duration. On timeout the derived
// context is cancelled and the call fails with Timeout; fn's goroutine is
// expected to observe the cancellation and return.
func WithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(runCtx)
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		cancel()
		return gwerr.New(gwerr.Timeout, "operation exceeded %s", d)
	case <-ctx.Done():
		return gwerr.FromContext(ctx.Err())
	}
}
