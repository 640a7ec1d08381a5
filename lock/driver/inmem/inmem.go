// Package inmem implements lock.JointProvider in process memory. It gives
// single-instance deployments and tests the same semantics as the
// distributed drivers, lease expiry included.
package inmem

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-dlock/lock"
)

type lockState struct {
	token  string
	timer  *time.Timer
	notify chan struct{}
}

type Provider struct {
	lg    *zap.Logger
	mu    sync.Mutex
	locks map[string]*lockState
}

var _ lock.JointProvider = (*Provider)(nil)

type Option func(*Provider)

func WithLogger(lg *zap.Logger) Option {
	return func(p *Provider) {
		if lg != nil {
			p.lg = lg
		}
	}
}

func New(opts ...Option) *Provider {
	p := &Provider{
		lg:    zap.L(),
		locks: make(map[string]*lockState),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// take installs token on key if it is free. Callers hold p.mu.
func (p *Provider) take(key, token string, leaseTime time.Duration) {
	st := &lockState{token: token, notify: make(chan struct{})}
	if leaseTime > 0 {
		st.timer = time.AfterFunc(leaseTime, func() {
			p.expire(key, st)
		})
	}
	p.locks[key] = st
}

// drop removes key and wakes its waiters. Callers hold p.mu.
func (p *Provider) drop(key string, st *lockState) {
	if st.timer != nil {
		st.timer.Stop()
	}
	close(st.notify)
	delete(p.locks, key)
}

func (p *Provider) expire(key string, st *lockState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.locks[key] == st {
		p.drop(key, st)
		p.lg.Debug("lock lease expired", zap.String("key", key))
	}
}

// waitAny returns a channel closed when any of the taken keys is freed,
// or nil when all keys are free. Callers hold p.mu.
func (p *Provider) waitAny(keys []string) <-chan struct{} {
	for _, key := range keys {
		if st, ok := p.locks[key]; ok {
			return st.notify
		}
	}
	return nil
}

// acquire waits until every key is free, then takes them all under token.
// A zero deadline waits until ctx is done.
func (p *Provider) acquire(ctx context.Context, keys []string, token string, deadline time.Time, leaseTime time.Duration) (bool, error) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		p.mu.Lock()
		ch := p.waitAny(keys)
		if ch == nil {
			for _, key := range keys {
				p.take(key, token, leaseTime)
			}
			p.mu.Unlock()
			return true, nil
		}
		p.mu.Unlock()

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ch:
		case <-timeout:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (p *Provider) TryAcquire(ctx context.Context, key, token string, waitTime, leaseTime time.Duration) (bool, error) {
	ok, err := p.acquire(ctx, []string{key}, token, time.Now().Add(waitTime), leaseTime)
	if ok {
		p.lg.Debug("lock acquired", zap.String("key", key))
	}
	return ok, err
}

func (p *Provider) Lock(ctx context.Context, key, token string, leaseTime time.Duration) error {
	_, err := p.acquire(ctx, []string{key}, token, time.Time{}, leaseTime)
	if err == nil {
		p.lg.Debug("lock acquired", zap.String("key", key))
	}
	return err
}

func (p *Provider) Release(_ context.Context, key, token string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.locks[key]
	if !ok || st.token != token {
		p.lg.Debug("lock already released", zap.String("key", key))
		return false, nil
	}
	p.drop(key, st)
	p.lg.Debug("lock released", zap.String("key", key))
	return true, nil
}

func (p *Provider) IsHeld(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.locks[key]
	return ok, nil
}

func (p *Provider) TryAcquireJoint(ctx context.Context, keys []string, token string, waitTime, leaseTime time.Duration) (bool, error) {
	ok, err := p.acquire(ctx, keys, token, time.Now().Add(waitTime), leaseTime)
	if ok {
		p.lg.Debug("joint lock acquired", zap.Strings("keys", keys))
	}
	return ok, err
}

func (p *Provider) ReleaseJoint(_ context.Context, keys []string, token string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	all := true
	for _, key := range keys {
		st, ok := p.locks[key]
		if !ok || st.token != token {
			all = false
			continue
		}
		p.drop(key, st)
	}
	p.lg.Debug("joint lock released", zap.Strings("keys", keys), zap.Bool("complete", all))
	return all, nil
}
