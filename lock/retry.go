package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/infigaming-com/go-dlock/lock/internal/backoff"
)

type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// RetryConfig bounds how often a failed acquisition is attempted again.
// For fixed backoff Interval is the constant delay; for exponential it is
// the initial delay, multiplied by Factor per retry and capped at Cap.
type RetryConfig struct {
	MaxRetries int
	Backoff    BackoffKind
	Interval   time.Duration
	Factor     float64
	Cap        time.Duration
	// Jitter spreads each delay by up to ±Jitter of its value. 0 disables it.
	Jitter float64
}

func FixedRetry(maxRetries int, interval time.Duration) RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		Backoff:    BackoffFixed,
		Interval:   interval,
	}
}

func ExponentialRetry(maxRetries int, initial time.Duration, factor float64, maxInterval time.Duration) RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		Backoff:    BackoffExponential,
		Interval:   initial,
		Factor:     factor,
		Cap:        maxInterval,
	}
}

func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be >= 0, got %d", ErrInvalidRetryConfig, c.MaxRetries)
	}
	if c.Interval < 0 {
		return fmt.Errorf("%w: interval must be >= 0, got %s", ErrInvalidRetryConfig, c.Interval)
	}
	switch c.Backoff {
	case BackoffFixed, "":
	case BackoffExponential:
		if c.Factor <= 1 {
			return fmt.Errorf("%w: exponential factor must be > 1, got %v", ErrInvalidRetryConfig, c.Factor)
		}
		if c.Cap < c.Interval {
			return fmt.Errorf("%w: cap %s is below initial interval %s", ErrInvalidRetryConfig, c.Cap, c.Interval)
		}
	default:
		return fmt.Errorf("%w: unknown backoff kind %q", ErrInvalidRetryConfig, c.Backoff)
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return fmt.Errorf("%w: jitter must be in [0, 1), got %v", ErrInvalidRetryConfig, c.Jitter)
	}
	return nil
}

func (c RetryConfig) schedule() backoff.Schedule {
	if c.Backoff == BackoffExponential {
		return backoff.NewExponential(backoff.Config{
			Initial:    c.Interval,
			Max:        c.Cap,
			Multiplier: c.Factor,
			Jitter:     c.Jitter,
		})
	}
	return backoff.Fixed{Interval: c.Interval}
}

// Delay returns the sleep before retry n (1-based).
func (c RetryConfig) Delay(n int) time.Duration {
	return c.schedule().Next(n)
}

// Attempt is one acquisition try. It reports success, or failure with an
// optional cause.
type Attempt func(ctx context.Context) (bool, error)

// Retry runs attempt once plus up to cfg.MaxRetries more times, sleeping
// the backoff delay between tries. Permanent errors stop immediately;
// cancellation during an attempt or a sleep surfaces as ErrCancelled.
// Exhaustion yields a *RetryError carrying the last cause.
func Retry(ctx context.Context, cfg RetryConfig, attempt Attempt) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	schedule := cfg.schedule()
	var lastErr error
	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}
		ok, err := attempt(ctx)
		if ok && err == nil {
			return nil
		}
		if err != nil {
			if IsPermanent(err) {
				if isContextErr(err) {
					return cancelled(err)
				}
				return err
			}
			lastErr = err
		} else {
			lastErr = ErrLockNotAcquired
		}
		if n >= cfg.MaxRetries {
			return &RetryError{Attempts: n + 1, Retries: cfg.MaxRetries, Cause: lastErr}
		}
		if err := backoff.Sleep(ctx, schedule.Next(n+1)); err != nil {
			return cancelled(err)
		}
	}
}
