// Package database implements lock.JointProvider on a relational table. A row
// in distributed_lock is a held lease; the primary key on lock_key gives
// mutual exclusion and expire_time lets abandoned rows be taken over.
package database

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/infigaming-com/go-dlock/lock"
)

const (
	DefaultTableName = "distributed_lock"
	defaultLease     = 60 * time.Second
	defaultPoll      = 50 * time.Millisecond
)

var errKeyTaken = errors.New("lock key taken")

// Row is one held lease.
type Row struct {
	LockKey    string    `gorm:"primaryKey;column:lock_key;size:255" json:"lock_key"`
	LockValue  string    `gorm:"column:lock_value;size:255;not null" json:"lock_value"`
	CreateTime time.Time `gorm:"column:create_time;not null" json:"create_time"`
	ExpireTime time.Time `gorm:"column:expire_time;not null;index" json:"expire_time"`
}

type Provider struct {
	lg           *zap.Logger
	db           *gorm.DB
	table        string
	pollInterval time.Duration
	now          func() time.Time
}

var _ lock.JointProvider = (*Provider)(nil)

type Option func(*providerOptions)

type providerOptions struct {
	lg           *zap.Logger
	table        string
	pollInterval time.Duration
	autoMigrate  bool
	now          func() time.Time
}

func WithLogger(lg *zap.Logger) Option {
	return func(o *providerOptions) {
		if lg != nil {
			o.lg = lg
		}
	}
}

// WithTableName sets the lock table. Default: "distributed_lock".
func WithTableName(name string) Option {
	return func(o *providerOptions) {
		if name != "" {
			o.table = name
		}
	}
}

// WithPollInterval sets how often a taken key is retried. Default: 50ms.
func WithPollInterval(d time.Duration) Option {
	return func(o *providerOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithAutoMigrate creates the lock table on construction when missing.
// Production schemas are managed by the migrate package instead.
func WithAutoMigrate() Option {
	return func(o *providerOptions) {
		o.autoMigrate = true
	}
}

// WithNowFunc overrides the time source (for testing).
func WithNowFunc(fn func() time.Time) Option {
	return func(o *providerOptions) {
		if fn != nil {
			o.now = fn
		}
	}
}

func New(db *gorm.DB, opts ...Option) (*Provider, error) {
	o := &providerOptions{
		lg:           zap.L(),
		table:        DefaultTableName,
		pollInterval: defaultPoll,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.autoMigrate && !db.Migrator().HasTable(o.table) {
		if err := db.Table(o.table).AutoMigrate(&Row{}); err != nil {
			return nil, err
		}
	}
	return &Provider{
		lg:           o.lg,
		db:           db,
		table:        o.table,
		pollInterval: o.pollInterval,
		now:          o.now,
	}, nil
}

func (p *Provider) leaseOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultLease
	}
	return d
}

// insert clears an expired row for key and then tries to claim it.
func (p *Provider) insert(tx *gorm.DB, key, token string, leaseTime time.Duration) (bool, error) {
	now := p.now().UTC()
	if err := tx.Table(p.table).Where("lock_key = ? AND expire_time < ?", key, now).Delete(&Row{}).Error; err != nil {
		return false, err
	}
	row := Row{
		LockKey:    key,
		LockValue:  token,
		CreateTime: now,
		ExpireTime: now.Add(p.leaseOrDefault(leaseTime)),
	}
	res := tx.Table(p.table).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// poll calls try every poll interval until it succeeds, fails, the
// deadline passes or ctx is done. A zero deadline waits on ctx only.
func (p *Provider) poll(ctx context.Context, deadline time.Time, try func() (bool, error)) (bool, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		ok, err := try()
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, err
		}
		if ok {
			return true, nil
		}
		if !deadline.IsZero() && !p.now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Provider) TryAcquire(ctx context.Context, key, token string, waitTime, leaseTime time.Duration) (bool, error) {
	db := p.db.WithContext(ctx)
	ok, err := p.poll(ctx, p.now().Add(waitTime), func() (bool, error) {
		return p.insert(db, key, token, leaseTime)
	})
	if err != nil && !errors.Is(err, ctx.Err()) {
		p.lg.Error("error acquiring lock", zap.String("key", key), zap.Error(err))
	}
	if ok {
		p.lg.Debug("lock acquired", zap.String("key", key))
	}
	return ok, err
}

func (p *Provider) Lock(ctx context.Context, key, token string, leaseTime time.Duration) error {
	db := p.db.WithContext(ctx)
	_, err := p.poll(ctx, time.Time{}, func() (bool, error) {
		return p.insert(db, key, token, leaseTime)
	})
	if err == nil {
		p.lg.Debug("lock acquired", zap.String("key", key))
	}
	return err
}

func (p *Provider) Release(ctx context.Context, key, token string) (bool, error) {
	res := p.db.WithContext(ctx).Table(p.table).
		Where("lock_key = ? AND lock_value = ?", key, token).
		Delete(&Row{})
	if res.Error != nil {
		p.lg.Error("failed to unlock", zap.String("key", key), zap.Error(res.Error))
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		p.lg.Debug("lock already released", zap.String("key", key))
		return false, nil
	}
	p.lg.Debug("lock released", zap.String("key", key))
	return true, nil
}

func (p *Provider) IsHeld(ctx context.Context, key string) (bool, error) {
	var n int64
	err := p.db.WithContext(ctx).Table(p.table).
		Where("lock_key = ? AND expire_time >= ?", key, p.now().UTC()).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Provider) TryAcquireJoint(ctx context.Context, keys []string, token string, waitTime, leaseTime time.Duration) (bool, error) {
	db := p.db.WithContext(ctx)
	ok, err := p.poll(ctx, p.now().Add(waitTime), func() (bool, error) {
		err := db.Transaction(func(tx *gorm.DB) error {
			for _, key := range keys {
				ok, err := p.insert(tx, key, token, leaseTime)
				if err != nil {
					return err
				}
				if !ok {
					return errKeyTaken
				}
			}
			return nil
		})
		if errors.Is(err, errKeyTaken) {
			return false, nil
		}
		return err == nil, err
	})
	if err != nil && !errors.Is(err, ctx.Err()) {
		p.lg.Error("error acquiring joint lock", zap.Strings("keys", keys), zap.Error(err))
	}
	if ok {
		p.lg.Debug("joint lock acquired", zap.Strings("keys", keys))
	}
	return ok, err
}

func (p *Provider) ReleaseJoint(ctx context.Context, keys []string, token string) (bool, error) {
	res := p.db.WithContext(ctx).Table(p.table).
		Where("lock_key IN ? AND lock_value = ?", keys, token).
		Delete(&Row{})
	if res.Error != nil {
		p.lg.Error("failed to unlock joint lock", zap.Strings("keys", keys), zap.Error(res.Error))
		return false, res.Error
	}
	if int(res.RowsAffected) != len(keys) {
		p.lg.Debug("joint lock partly released", zap.Strings("keys", keys), zap.Int64("released", res.RowsAffected))
		return false, nil
	}
	p.lg.Debug("joint lock released", zap.Strings("keys", keys))
	return true, nil
}

// PurgeExpired deletes every expired row and returns how many went.
func (p *Provider) PurgeExpired(ctx context.Context) (int64, error) {
	res := p.db.WithContext(ctx).Table(p.table).
		Where("expire_time < ?", p.now().UTC()).
		Delete(&Row{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		p.lg.Info("purged expired locks", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// Rows lists the rows currently in the table.
func (p *Provider) Rows(ctx context.Context) ([]Row, error) {
	var rows []Row
	err := p.db.WithContext(ctx).Table(p.table).Order("lock_key").Find(&rows).Error
	return rows, err
}
