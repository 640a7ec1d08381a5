package lock

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Coordinator is the single entry and exit point for acquiring and
// releasing locks. It consults the Tracker before ever contacting the
// Provider, so an owner reentering a key costs no round trip.
type Coordinator struct {
	provider Provider
	joint    JointProvider
	tracker  *Tracker
	lg       *zap.Logger
	metrics  MetricsHook
	newToken func() string
	now      func() time.Time
}

func NewCoordinator(provider Provider, opts ...Option) *Coordinator {
	o := defaultCoordinatorOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.tracker == nil {
		o.tracker = NewTracker()
		o.tracker.now = o.now
	}

	c := &Coordinator{
		provider: provider,
		tracker:  o.tracker,
		lg:       o.lg,
		metrics:  o.metrics,
		newToken: o.newToken,
		now:      o.now,
	}
	if jp, ok := provider.(JointProvider); ok {
		c.joint = jp
	}
	return c
}

func (c *Coordinator) Tracker() *Tracker {
	return c.tracker
}

func (c *Coordinator) IsHeld(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrInvalidLockKey
	}
	held, err := c.provider.IsHeld(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	return held, nil
}

// Acquire takes a single key for owner, waiting at most waitTime. Failures
// are returned alongside an unacquired session and are not retried here.
func (c *Coordinator) Acquire(ctx context.Context, key, owner string, waitTime, leaseTime time.Duration) (*Session, error) {
	keys := []string{key}
	s := newSession(keys, owner, false)
	if key == "" {
		return s, ErrInvalidLockKey
	}
	if owner == "" {
		return s, ErrInvalidOwner
	}
	if err := ctx.Err(); err != nil {
		return s, cancelled(err)
	}

	if _, ok := c.tracker.Lookup(owner, key); ok {
		rec := c.tracker.RecordAcquire(owner, key, "")
		s.Tokens[key] = rec.Token
		c.finalize(s)
		c.metrics.OnReentered(keys)
		c.lg.Debug("lock reentered", zap.String("key", key), zap.String("owner", owner), zap.Int("count", rec.Count))
		return s, nil
	}

	start := c.now()
	token := c.newToken()
	ok, err := c.provider.TryAcquire(ctx, key, token, waitTime, leaseTime)
	wait := c.now().Sub(start)
	if err != nil || !ok {
		return s, c.acquireFailed(ctx, keys, owner, waitTime, wait, err)
	}

	c.tracker.RecordAcquire(owner, key, token)
	s.Tokens[key] = token
	s.fresh[key] = true
	c.finalize(s)
	c.metrics.OnAcquired(keys, wait)
	c.lg.Debug("lock acquired", zap.String("key", key), zap.String("owner", owner), zap.Duration("wait", wait))
	return s, nil
}

// Lock takes a single key unconditionally, blocking until it is held or ctx
// is done.
func (c *Coordinator) Lock(ctx context.Context, key, owner string, leaseTime time.Duration) (*Session, error) {
	keys := []string{key}
	s := newSession(keys, owner, false)
	if key == "" {
		return s, ErrInvalidLockKey
	}
	if owner == "" {
		return s, ErrInvalidOwner
	}
	if err := ctx.Err(); err != nil {
		return s, cancelled(err)
	}

	if _, ok := c.tracker.Lookup(owner, key); ok {
		rec := c.tracker.RecordAcquire(owner, key, "")
		s.Tokens[key] = rec.Token
		c.finalize(s)
		c.metrics.OnReentered(keys)
		c.lg.Debug("lock reentered", zap.String("key", key), zap.String("owner", owner), zap.Int("count", rec.Count))
		return s, nil
	}

	start := c.now()
	token := c.newToken()
	err := c.provider.Lock(ctx, key, token, leaseTime)
	wait := c.now().Sub(start)
	if err != nil {
		return s, c.acquireFailed(ctx, keys, owner, 0, wait, err)
	}

	c.tracker.RecordAcquire(owner, key, token)
	s.Tokens[key] = token
	s.fresh[key] = true
	c.finalize(s)
	c.metrics.OnAcquired(keys, wait)
	c.lg.Debug("lock acquired", zap.String("key", key), zap.String("owner", owner), zap.Duration("wait", wait))
	return s, nil
}

// AcquireJoint takes every key or none. Keys are de-duplicated and sorted
// so that all callers contact overlapping keys in the same order.
func (c *Coordinator) AcquireJoint(ctx context.Context, keys []string, owner string, waitTime, leaseTime time.Duration) (*Session, error) {
	if len(keys) == 0 || lo.Contains(keys, "") {
		return newSession(keys, owner, true), ErrInvalidJointRequest
	}
	keys = canonicalKeys(keys)
	s := newSession(keys, owner, true)
	if owner == "" {
		return s, ErrInvalidOwner
	}
	if err := ctx.Err(); err != nil {
		return s, cancelled(err)
	}

	held, missing := lo.FilterReject(keys, func(key string, _ int) bool {
		_, ok := c.tracker.Lookup(owner, key)
		return ok
	})

	if len(missing) == 0 {
		for _, key := range keys {
			rec := c.tracker.RecordAcquire(owner, key, "")
			s.Tokens[key] = rec.Token
		}
		c.finalize(s)
		c.metrics.OnReentered(keys)
		c.lg.Debug("joint lock reentered", zap.Strings("keys", keys), zap.String("owner", owner))
		return s, nil
	}

	start := c.now()
	token := c.newToken()
	var (
		ok  bool
		err error
	)
	if c.joint != nil {
		ok, err = c.joint.TryAcquireJoint(ctx, missing, token, waitTime, leaseTime)
	} else {
		ok, err = c.acquireSequential(ctx, missing, token, waitTime, leaseTime)
	}
	wait := c.now().Sub(start)
	if err != nil || !ok {
		return s, c.acquireFailed(ctx, keys, owner, waitTime, wait, err)
	}

	// Keys the owner already held are reentered only once the rest succeeded,
	// so a failed attempt leaves their counts untouched.
	for _, key := range missing {
		c.tracker.RecordAcquire(owner, key, token)
		s.Tokens[key] = token
		s.fresh[key] = true
	}
	for _, key := range held {
		rec := c.tracker.RecordAcquire(owner, key, "")
		s.Tokens[key] = rec.Token
	}
	c.finalize(s)
	c.metrics.OnAcquired(keys, wait)
	c.lg.Debug("joint lock acquired", zap.Strings("keys", keys), zap.Strings("reentered", held),
		zap.String("owner", owner), zap.Duration("wait", wait))
	return s, nil
}

// acquireSequential emulates an atomic joint acquire on providers that only
// lock one key at a time: keys are taken in order under a shared deadline
// and everything taken so far is released on the first failure.
func (c *Coordinator) acquireSequential(ctx context.Context, keys []string, token string, waitTime, leaseTime time.Duration) (bool, error) {
	deadline := c.now().Add(waitTime)
	taken := make([]string, 0, len(keys))
	for _, key := range keys {
		remaining := deadline.Sub(c.now())
		if remaining < 0 {
			remaining = 0
		}
		ok, err := c.provider.TryAcquire(ctx, key, token, remaining, leaseTime)
		if ok && err == nil {
			taken = append(taken, key)
		}
		if err == nil && ok && ctx.Err() == nil {
			continue
		}
		c.rollback(ctx, taken, token)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		return false, err
	}
	return true, nil
}

func (c *Coordinator) rollback(ctx context.Context, keys []string, token string) {
	if len(keys) == 0 {
		return
	}
	releaseCtx := context.WithoutCancel(ctx)
	for _, key := range lo.Reverse(append([]string(nil), keys...)) {
		ok, err := c.provider.Release(releaseCtx, key, token)
		if err != nil || !ok {
			c.lg.Warn("failed to roll back partial joint lock", zap.String("key", key), zap.Bool("released", ok), zap.Error(err))
		}
	}
	c.lg.Debug("rolled back partial joint lock", zap.Strings("keys", keys))
}

func (c *Coordinator) acquireFailed(ctx context.Context, keys []string, owner string, waitTime, wait time.Duration, cause error) error {
	var err error
	switch {
	case ctx.Err() != nil:
		err = cancelled(ctx.Err())
	case cause != nil && isContextErr(cause):
		err = cancelled(cause)
	case cause != nil:
		err = newAcquireError(keys, waitTime, fmt.Errorf("%w: %w", ErrProviderUnavailable, cause))
	default:
		err = newAcquireError(keys, waitTime, ErrAcquisitionTimeout)
	}
	c.metrics.OnAcquireFailed(keys, wait, err)
	if cause != nil && !isContextErr(cause) {
		c.lg.Error("error acquiring lock", zap.Strings("keys", keys), zap.String("owner", owner), zap.Error(cause))
	} else {
		c.lg.Debug("failed to acquire lock", zap.Strings("keys", keys), zap.String("owner", owner), zap.Error(err))
	}
	return err
}

func (c *Coordinator) finalize(s *Session) {
	s.Acquired = true
	s.AcquiredAt = c.now()
}

// Request describes an acquisition for AcquireWithRetry. A single key is
// taken with Acquire, several with AcquireJoint. Retry nil means one try.
type Request struct {
	Keys      []string
	Owner     string
	WaitTime  time.Duration
	LeaseTime time.Duration
	Retry     *RetryConfig
}

func (c *Coordinator) acquireOnce(ctx context.Context, req Request) (*Session, error) {
	if len(req.Keys) == 1 {
		return c.Acquire(ctx, req.Keys[0], req.Owner, req.WaitTime, req.LeaseTime)
	}
	return c.AcquireJoint(ctx, req.Keys, req.Owner, req.WaitTime, req.LeaseTime)
}

// AcquireWithRetry acquires req, retrying per req.Retry until the budget is
// spent. The returned session is the last attempt's.
func (c *Coordinator) AcquireWithRetry(ctx context.Context, req Request) (*Session, error) {
	if req.Retry == nil {
		return c.acquireOnce(ctx, req)
	}
	var s *Session
	err := Retry(ctx, *req.Retry, func(ctx context.Context) (bool, error) {
		var err error
		s, err = c.acquireOnce(ctx, req)
		if err != nil {
			return false, err
		}
		return s.Acquired, nil
	})
	if s == nil {
		s = newSession(req.Keys, req.Owner, len(req.Keys) != 1)
	}
	if err != nil {
		var retryErr *RetryError
		if stderrors.As(err, &retryErr) {
			c.lg.Debug("lock retries exhausted", zap.Strings("keys", req.Keys), zap.Int("attempts", retryErr.Attempts))
			return s, newAcquireError(s.Keys, req.WaitTime, err)
		}
		return s, err
	}
	return s, nil
}

// Release gives back everything session acquired, in reverse acquisition
// order. Keys the owner no longer holds are reported as ErrNotHeld but do
// not stop the remaining keys from being released. It returns true only if
// every key was released at whatever level was required.
func (c *Coordinator) Release(ctx context.Context, s *Session) (bool, error) {
	if s == nil || !s.Acquired {
		return false, ErrSessionNotAcquired
	}
	if !s.consumed.CompareAndSwap(false, true) {
		return false, ErrSessionConsumed
	}

	var (
		errs    []error
		pending []string
	)
	order := lo.Reverse(append([]string(nil), s.Keys...))
	for _, key := range order {
		rec, held := c.tracker.RecordRelease(s.Owner, key)
		if !held {
			c.lg.Warn("release of lock not held by owner", zap.String("key", key), zap.String("owner", s.Owner))
			errs = append(errs, fmt.Errorf("%w: %s", ErrNotHeld, key))
			continue
		}
		if rec.Count > 0 {
			c.lg.Debug("lock reentrancy decremented", zap.String("key", key), zap.String("owner", s.Owner), zap.Int("count", rec.Count))
			continue
		}
		pending = append(pending, key)
		s.Tokens[key] = rec.Token
	}

	errs = append(errs, c.releaseAtProvider(ctx, s, pending)...)

	keys := s.Keys
	if len(errs) > 0 {
		err := stderrors.Join(errs...)
		c.metrics.OnReleaseFailed(keys, err)
		return false, err
	}
	c.metrics.OnReleased(keys, c.now().Sub(s.AcquiredAt))
	return true, nil
}

// releaseAtProvider releases keys whose count reached zero. Keys sharing a
// token came from one joint acquisition and go back in one ReleaseJoint
// call when the provider supports it.
func (c *Coordinator) releaseAtProvider(ctx context.Context, s *Session, keys []string) []error {
	if len(keys) == 0 {
		return nil
	}
	var errs []error
	byToken := lo.GroupBy(keys, func(key string) string { return s.Tokens[key] })
	// Walk in the given (reverse) order so grouping does not reorder singles.
	done := make(map[string]bool, len(byToken))
	for _, key := range keys {
		token := s.Tokens[key]
		if done[token] {
			continue
		}
		done[token] = true
		group := byToken[token]
		if len(group) > 1 && c.joint != nil {
			ok, err := c.joint.ReleaseJoint(ctx, group, token)
			if err := c.releaseOutcome(group, s.Owner, ok, err); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		for _, k := range group {
			ok, err := c.provider.Release(ctx, k, token)
			if err := c.releaseOutcome([]string{k}, s.Owner, ok, err); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

func (c *Coordinator) releaseOutcome(keys []string, owner string, ok bool, err error) error {
	if err != nil {
		c.lg.Error("failed to release lock", zap.Strings("keys", keys), zap.String("owner", owner), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	if !ok {
		c.lg.Warn("lock already released or expired at provider", zap.Strings("keys", keys), zap.String("owner", owner))
		return fmt.Errorf("%w: %v", ErrNotHeld, keys)
	}
	c.lg.Debug("lock released", zap.Strings("keys", keys), zap.String("owner", owner))
	return nil
}

func canonicalKeys(keys []string) []string {
	out := lo.Uniq(keys)
	sort.Strings(out)
	return out
}
