package stage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/bobarin/studyreel/internal/apperr"
)

const (
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 10 * time.Second
)

// Policy describes how one pipeline stage is attempted.
type Policy struct {
	Name     string
	Timeout  time.Duration // per attempt; zero means no deadline
	Attempts int           // total attempts including the first; minimum 1
	// Retryable decides whether a failed attempt is tried again. Nil retries
	// only attempts that hit their deadline.
	Retryable func(error) bool
	// OnRetry is called before each retry with the failed attempt number.
	OnRetry func(attempt int, err error)
	// Backoff overrides the delay between attempts; tests set it to zero.
	Backoff func(attempt int) time.Duration
}

// Run executes fn under the policy. An attempt that outlives its deadline
// while the parent context is still live is reported as apperr.ErrTimeout.
// Cancellation of the parent always stops retries.
func Run(ctx context.Context, p Policy, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = apperr.IsTimeout
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = RetryDelay
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if p.OnRetry != nil {
				p.OnRetry(attempt-1, lastErr)
			}
			if d := backoff(attempt - 1); d > 0 {
				select {
				case <-ctx.Done():
					return apperr.Wrap(apperr.ErrCanceled, p.Name, "", "canceled while waiting to retry", ctx.Err())
				case <-time.After(d):
				}
			}
		}

		lastErr = runAttempt(ctx, p, fn)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return apperr.Wrap(apperr.ErrCanceled, p.Name, "", "canceled", errors.Join(ctx.Err(), lastErr))
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}

	if apperr.IsTimeout(lastErr) && !errors.Is(lastErr, apperr.ErrTimeout) {
		return apperr.Wrap(apperr.ErrTimeout, p.Name, "", fmt.Sprintf("timed out after %d attempts", attempts), lastErr)
	}
	return lastErr
}

func runAttempt(ctx context.Context, p Policy, fn func(context.Context) error) error {
	attemptCtx := ctx
	cancel := func() {}
	if p.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
	}
	defer cancel()

	err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.ErrTimeout, p.Name, "", fmt.Sprintf("stalled after %s", p.Timeout), err)
	}
	return err
}

// RetryDelay calculates exponential backoff with jitter: base * 2^(attempt-1) + 0-25%.
func RetryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// NoBackoff retries immediately.
func NoBackoff(int) time.Duration { return 0 }
