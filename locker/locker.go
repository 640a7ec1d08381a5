// Package locker is a small key-at-a-time facade over lock.Coordinator for
// callers that want a lock/unlock pair instead of a guarded function.
package locker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-dlock/lock"
)

var (
	ErrInvalidLockerKey = lock.ErrInvalidLockKey
	ErrLockNotAcquired  = lock.ErrLockNotAcquired
)

type Unlocker func(ctx context.Context) error

type Locker interface {
	// Lock tries up to the configured number of times, sleeping retryDelay
	// between tries.
	Lock(ctx context.Context, key string, opts ...LockerOption) (Unlocker, error)
	// TryLock makes a single attempt.
	TryLock(ctx context.Context, key string, opts ...LockerOption) (Unlocker, error)
}

type LockerOptions struct {
	timeout    time.Duration
	retryDelay time.Duration
	retries    int
}

type LockerOption func(*LockerOptions)

// WithTimeout sets the lease after which an unreleased lock expires.
func WithTimeout(timeout time.Duration) LockerOption {
	return func(o *LockerOptions) {
		o.timeout = timeout
	}
}

func WithRetryDelay(retryDelay time.Duration) LockerOption {
	return func(o *LockerOptions) {
		o.retryDelay = retryDelay
	}
}

// WithRetries sets the total number of tries made by Lock.
func WithRetries(retries int) LockerOption {
	return func(o *LockerOptions) {
		o.retries = retries
	}
}

func getDefaultOptions() *LockerOptions {
	return &LockerOptions{
		timeout:    30 * time.Second,
		retryDelay: 200 * time.Millisecond,
		retries:    10,
	}
}

type coordinatorLocker struct {
	lg      *zap.Logger
	c       *lock.Coordinator
	options *LockerOptions
}

// New returns a Locker acquiring through c. Locks are owned by the owner
// bound to the calling context, or a fresh owner per call if none is bound.
func New(lg *zap.Logger, c *lock.Coordinator) Locker {
	return &coordinatorLocker{
		lg:      lg,
		c:       c,
		options: getDefaultOptions(),
	}
}

func createUnlocker(c *lock.Coordinator, s *lock.Session, lg *zap.Logger, key string) Unlocker {
	return func(ctx context.Context) error {
		defer func() {
			if r := recover(); r != nil {
				lg.Error("panic in unlocker", zap.String("key", key), zap.Any("recover", r))
			}
		}()

		ok, err := c.Release(ctx, s)
		if err != nil {
			lg.Error("failed to unlock", zap.String("key", key), zap.Error(err))
			return err
		}
		if !ok {
			lg.Debug("lock already released", zap.String("key", key))
			return nil
		}
		lg.Debug("lock released", zap.String("key", key))
		return nil
	}
}

func (l *coordinatorLocker) acquire(ctx context.Context, key string, tries int, opts []LockerOption) (Unlocker, error) {
	if key == "" {
		return nil, ErrInvalidLockerKey
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	options := *l.options
	for _, opt := range opts {
		opt(&options)
	}
	if tries < 0 {
		tries = options.retries
	}

	_, owner := lock.EnsureOwner(ctx)
	req := lock.Request{
		Keys:      []string{key},
		Owner:     owner,
		LeaseTime: options.timeout,
	}
	if tries > 1 {
		rc := lock.FixedRetry(tries-1, options.retryDelay)
		req.Retry = &rc
	}

	s, err := l.c.AcquireWithRetry(ctx, req)
	if err != nil {
		l.lg.Debug("failed to acquire lock", zap.String("key", key), zap.Int("tries", max(tries, 1)), zap.Error(err))
		return nil, err
	}

	l.lg.Debug("lock acquired", zap.String("key", key), zap.String("owner", owner))
	return createUnlocker(l.c, s, l.lg, key), nil
}

func (l *coordinatorLocker) Lock(ctx context.Context, key string, opts ...LockerOption) (Unlocker, error) {
	return l.acquire(ctx, key, -1, opts)
}

func (l *coordinatorLocker) TryLock(ctx context.Context, key string, opts ...LockerOption) (Unlocker, error) {
	return l.acquire(ctx, key, 1, opts)
}
