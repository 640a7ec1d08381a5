package lock

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// FailureMode decides what a Guard does when the lock cannot be acquired.
type FailureMode string

const (
	// FailRaise returns the acquisition error to the caller.
	FailRaise FailureMode = "raise"
	// FailReturnDefault skips the protected function and returns the fallback.
	FailReturnDefault FailureMode = "returnDefault"
	// FailProceedUnlocked runs the protected function without the lock.
	FailProceedUnlocked FailureMode = "proceedUnlocked"
)

func ParseFailureMode(s string) (FailureMode, error) {
	switch FailureMode(s) {
	case FailRaise, FailReturnDefault, FailProceedUnlocked:
		return FailureMode(s), nil
	case "":
		return FailRaise, nil
	}
	return "", fmt.Errorf("unknown failure mode %q", s)
}

// KeyBuilder derives lock keys from the call context. It runs once per
// guarded call.
type KeyBuilder func(ctx context.Context) ([]string, error)

// Keys returns a builder yielding fixed keys.
func Keys(keys ...string) KeyBuilder {
	return func(context.Context) ([]string, error) {
		return keys, nil
	}
}

// Policy describes how one guarded operation is locked. Zero fields fall
// back to the Guard's defaults.
type Policy struct {
	// Name is the key used when Keys yields nothing.
	Name        string
	Prefix      string
	Keys        KeyBuilder
	Blocking    bool
	WaitTime    time.Duration
	LeaseTime   time.Duration
	Retry       *RetryConfig
	FailureMode FailureMode
}

// Guard wraps operations with acquire, run and release on every exit path.
type Guard struct {
	c        *Coordinator
	lg       *zap.Logger
	defaults Policy
}

type GuardOption func(*Guard)

func WithGuardLogger(lg *zap.Logger) GuardOption {
	return func(g *Guard) {
		if lg != nil {
			g.lg = lg
		}
	}
}

// WithDefaults sets the values used for zero Policy fields.
func WithDefaults(p Policy) GuardOption {
	return func(g *Guard) {
		g.defaults = p
	}
}

func NewGuard(c *Coordinator, opts ...GuardOption) *Guard {
	g := &Guard{
		c:  c,
		lg: zap.L(),
		defaults: Policy{
			Prefix:      "lock",
			WaitTime:    3 * time.Second,
			LeaseTime:   30 * time.Second,
			FailureMode: FailRaise,
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) Coordinator() *Coordinator {
	return g.c
}

func (g *Guard) resolve(p Policy) Policy {
	d := g.defaults
	if p.Prefix == "" {
		p.Prefix = d.Prefix
	}
	if p.WaitTime <= 0 {
		p.WaitTime = d.WaitTime
	}
	if p.LeaseTime <= 0 {
		p.LeaseTime = d.LeaseTime
	}
	if p.Retry == nil {
		p.Retry = d.Retry
	}
	if p.FailureMode == "" {
		p.FailureMode = lo.Ternary(d.FailureMode == "", FailRaise, d.FailureMode)
	}
	return p
}

// keys builds, defaults and prefixes the lock keys of p.
func (g *Guard) keys(ctx context.Context, p Policy) ([]string, error) {
	var keys []string
	if p.Keys != nil {
		built, err := p.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidLockKey, err)
		}
		keys = built
	}
	keys = lo.Compact(keys)
	if len(keys) == 0 {
		if p.Name == "" {
			return nil, ErrInvalidLockKey
		}
		keys = []string{p.Name}
	}
	if p.Prefix == "" {
		return keys, nil
	}
	return lo.Map(keys, func(k string, _ int) string { return p.Prefix + ":" + k }), nil
}

func (g *Guard) acquire(ctx context.Context, p Policy, keys []string, owner string) (*Session, error) {
	if p.Blocking {
		if len(keys) != 1 {
			return nil, fmt.Errorf("%w: blocking lock takes exactly one key, got %d", ErrInvalidJointRequest, len(keys))
		}
		return g.c.Lock(ctx, keys[0], owner, p.LeaseTime)
	}
	req := Request{
		Keys:      keys,
		Owner:     owner,
		WaitTime:  p.WaitTime,
		LeaseTime: p.LeaseTime,
	}
	if p.FailureMode == FailRaise {
		req.Retry = p.Retry
	}
	return g.c.AcquireWithRetry(ctx, req)
}

// Do runs fn under the lock described by p.
func (g *Guard) Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, g, p, struct{}{}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Execute runs fn under the lock described by p and returns its result.
// fallback is returned when the lock is not acquired under
// FailReturnDefault. The lock is released after fn returns or panics;
// release failures are logged and never replace fn's outcome. fn's ctx
// carries the lock owner; goroutines that fn starts should use ForkOwner
// rather than share it.
func Execute[T any](ctx context.Context, g *Guard, p Policy, fallback T, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	ctx, owner := EnsureOwner(ctx)
	p = g.resolve(p)

	keys, err := g.keys(ctx, p)
	if err != nil {
		return zero, err
	}

	s, err := g.acquire(ctx, p, keys, owner)
	if err != nil {
		if stderrors.Is(err, ErrCancelled) || stderrors.Is(err, ErrInvalidLockKey) ||
			stderrors.Is(err, ErrInvalidJointRequest) || stderrors.Is(err, ErrInvalidOwner) ||
			stderrors.Is(err, ErrInvalidRetryConfig) {
			return zero, err
		}
		switch p.FailureMode {
		case FailReturnDefault:
			g.lg.Debug("lock not acquired, returning default", zap.Strings("keys", keys), zap.String("owner", owner), zap.Error(err))
			return fallback, nil
		case FailProceedUnlocked:
			g.lg.Warn("lock not acquired, proceeding unlocked", zap.Strings("keys", keys), zap.String("owner", owner), zap.Error(err))
			return fn(ctx)
		default:
			return zero, err
		}
	}

	defer func() {
		if _, err := g.c.Release(context.WithoutCancel(ctx), s); err != nil {
			g.lg.Warn("failed to release lock", zap.Strings("keys", s.Keys), zap.String("owner", owner), zap.Error(err))
		}
	}()
	return fn(ctx)
}
