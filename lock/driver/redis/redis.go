// Package redis implements lock.JointProvider on Redis. Single keys go
// through a redsync mutex carrying the coordinator's token; joint sets are
// taken and released atomically by Lua scripts.
package redis

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-dlock/lock"
	"github.com/infigaming-com/go-dlock/util"
)

const defaultLease = 30 * time.Second

type Config struct {
	Addr           string `mapstructure:"ADDR"`
	DB             int64  `mapstructure:"DB"`
	ConnectTimeout int64  `mapstructure:"CONNECT_TIMEOUT"`
	KeyPrefix      string `mapstructure:"KEY_PREFIX"`
}

type Provider struct {
	lg         *zap.Logger
	client     goredislib.UniversalClient
	rs         *redsync.Redsync
	keyPrefix  string
	retryDelay time.Duration
}

var _ lock.JointProvider = (*Provider)(nil)

func New(client goredislib.UniversalClient, opts ...Option) *Provider {
	o := defaultProviderOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Provider{
		lg:         o.lg,
		client:     client,
		rs:         redsync.New(goredis.NewPool(client)),
		keyPrefix:  o.keyPrefix,
		retryDelay: o.retryDelay,
	}
}

// NewFromConfig connects to Redis and returns a provider with a cleanup
// func closing the connection.
func NewFromConfig(ctx context.Context, lg *zap.Logger, cfg *Config, opts ...Option) (*Provider, func(), error) {
	client, err := util.NewRedisClient(ctx, cfg.Addr, cfg.DB, time.Duration(cfg.ConnectTimeout)*time.Second)
	if err != nil {
		lg.Error("failed to connect to redis for locks", zap.String("addr", cfg.Addr), zap.Int64("db", cfg.DB), zap.Error(err))
		return nil, nil, err
	}
	lg.Info("connected to redis for locks", zap.String("addr", cfg.Addr), zap.Int64("db", cfg.DB))

	opts = append([]Option{WithLogger(lg)}, opts...)
	if cfg.KeyPrefix != "" {
		opts = append(opts, WithKeyPrefix(cfg.KeyPrefix))
	}
	return New(client, opts...), func() {
		_ = client.Close()
		lg.Info("closed redis connection for locks", zap.String("addr", cfg.Addr), zap.Int64("db", cfg.DB))
	}, nil
}

func (p *Provider) key(key string) string {
	return p.keyPrefix + key
}

func leaseOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultLease
	}
	return d
}

func (p *Provider) mutex(key, token string, leaseTime time.Duration, tries int) *redsync.Mutex {
	return p.rs.NewMutex(p.key(key),
		redsync.WithExpiry(leaseOrDefault(leaseTime)),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(p.retryDelay),
		redsync.WithGenValueFunc(func() (string, error) { return token, nil }),
	)
}

// notAcquired reports whether a redsync error only means the key is taken.
func notAcquired(err error) bool {
	var taken *redsync.ErrTaken
	var nodeTaken *redsync.ErrNodeTaken
	return errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) || errors.As(err, &nodeTaken)
}

// notHeld reports whether a failed unlock means the key expired or now
// belongs to another token.
func notHeld(err error) bool {
	var taken *redsync.ErrTaken
	var nodeTaken *redsync.ErrNodeTaken
	return errors.Is(err, redsync.ErrLockAlreadyExpired) || errors.As(err, &taken) || errors.As(err, &nodeTaken)
}

func (p *Provider) TryAcquire(ctx context.Context, key, token string, waitTime, leaseTime time.Duration) (bool, error) {
	tries := 1
	if waitTime > 0 {
		tries += int(waitTime / p.retryDelay)
	}
	err := p.mutex(key, token, leaseTime, tries).LockContext(ctx)
	if err == nil {
		p.lg.Debug("lock acquired", zap.String("key", key))
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if notAcquired(err) {
		p.lg.Debug("failed to acquire lock", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	p.lg.Error("error acquiring lock", zap.String("key", key), zap.Error(err))
	return false, err
}

func (p *Provider) Lock(ctx context.Context, key, token string, leaseTime time.Duration) error {
	err := p.mutex(key, token, leaseTime, math.MaxInt32).LockContext(ctx)
	if err == nil {
		p.lg.Debug("lock acquired", zap.String("key", key))
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	p.lg.Error("error acquiring lock", zap.String("key", key), zap.Error(err))
	return err
}

func (p *Provider) Release(ctx context.Context, key, token string) (bool, error) {
	mutex := p.rs.NewMutex(p.key(key), redsync.WithValue(token))
	ok, err := mutex.UnlockContext(ctx)
	if err != nil {
		if notHeld(err) {
			p.lg.Debug("lock no longer held", zap.String("key", key), zap.Error(err))
			return false, nil
		}
		p.lg.Error("failed to unlock", zap.String("key", key), zap.Error(err))
		return false, err
	}
	if !ok {
		p.lg.Debug("lock already released", zap.String("key", key))
		return false, nil
	}
	p.lg.Debug("lock released", zap.String("key", key))
	return true, nil
}

func (p *Provider) IsHeld(ctx context.Context, key string) (bool, error) {
	n, err := p.client.Exists(ctx, p.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Provider) TryAcquireJoint(ctx context.Context, keys []string, token string, waitTime, leaseTime time.Duration) (bool, error) {
	redisKeys := lo.Map(keys, func(k string, _ int) string { return p.key(k) })
	lease := leaseOrDefault(leaseTime).Milliseconds()
	deadline := time.Now().Add(waitTime)
	for {
		n, err := acquireJointScript.Run(ctx, p.client, redisKeys, token, lease).Int64()
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			p.lg.Error("error acquiring joint lock", zap.Strings("keys", keys), zap.Error(err))
			return false, err
		}
		if n == 1 {
			p.lg.Debug("joint lock acquired", zap.Strings("keys", keys))
			return true, nil
		}
		if !time.Now().Before(deadline) {
			p.lg.Debug("failed to acquire joint lock", zap.Strings("keys", keys))
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(p.retryDelay):
		}
	}
}

func (p *Provider) ReleaseJoint(ctx context.Context, keys []string, token string) (bool, error) {
	redisKeys := lo.Map(keys, func(k string, _ int) string { return p.key(k) })
	n, err := releaseJointScript.Run(ctx, p.client, redisKeys, token).Int64()
	if err != nil {
		p.lg.Error("failed to unlock joint lock", zap.Strings("keys", keys), zap.Error(err))
		return false, err
	}
	if int(n) != len(keys) {
		p.lg.Debug("joint lock partly released", zap.Strings("keys", keys), zap.Int64("released", n))
		return false, nil
	}
	p.lg.Debug("joint lock released", zap.Strings("keys", keys))
	return true, nil
}
