// Package retry provides bounded retry helpers used while waiting for
// collaborators to come up.
package retry

import (
	"context"
	"errors"
	"time"

	"mole_automation/platform/logger"
)

// DefaultMaxDelay caps the doubling backoff used by Until.
const DefaultMaxDelay = 64 * time.Second

// Sleeper waits for d or until ctx is done. Tests swap it for an instant one.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the production Sleeper.
func ContextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff returns the delay before retry attempt n (1-based): min(max, 2^n s).
func Backoff(n int, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 30 {
		return max
	}
	d := time.Duration(1<<uint(n)) * time.Second
	if d > max {
		return max
	}
	return d
}

// Until calls fn until it succeeds or ctx ends, sleeping min(64, 2^n) seconds
// between attempts.
func Until(ctx context.Context, log *logger.Logger, name string, sleep Sleeper, fn func() error) error {
	if sleep == nil {
		sleep = ContextSleep
	}

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn()
		if err == nil {
			return nil
		}

		delay := Backoff(attempt, DefaultMaxDelay)
		log.Warn("waiting for dependency", "operation", name, "attempt", attempt, "retry_in", delay.String(), "error", err)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Attempts calls fn up to attempts times with a quadratic delay.
func Attempts(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
