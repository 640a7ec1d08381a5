// Package lease implements lock.Provider on Kubernetes coordination Leases.
// Each lock key maps to one Lease object whose holderIdentity is the
// coordinator's token. Expired leases are taken over with an optimistic
// update, so a crashed holder blocks others for at most one lease duration.
package lease

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	coordinationclient "k8s.io/client-go/kubernetes/typed/coordination/v1"

	"github.com/infigaming-com/go-dlock/k8s"
	"github.com/infigaming-com/go-dlock/lock"
)

const (
	KeyAnnotation = "dlock.infigaming.com/key"
	ManagedLabel  = "app.kubernetes.io/managed-by"
	managedBy     = "dlock"
	defaultLease  = 30 * time.Second
)

type Config struct {
	Namespace    string `mapstructure:"NAMESPACE"`
	Kubeconfig   string `mapstructure:"KUBECONFIG"`
	PollInterval int64  `mapstructure:"POLL_INTERVAL_MS"`
}

type Provider struct {
	lg           *zap.Logger
	client       kubernetes.Interface
	namespace    string
	pollInterval time.Duration
	now          func() time.Time
}

var _ lock.Provider = (*Provider)(nil)

type Option func(*Provider)

func WithLogger(lg *zap.Logger) Option {
	return func(p *Provider) {
		if lg != nil {
			p.lg = lg
		}
	}
}

// WithPollInterval sets how often a held lease is re-checked. Default: 100ms.
func WithPollInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithNowFunc overrides the time source (for testing).
func WithNowFunc(fn func() time.Time) Option {
	return func(p *Provider) {
		if fn != nil {
			p.now = fn
		}
	}
}

func New(client kubernetes.Interface, namespace string, opts ...Option) *Provider {
	p := &Provider{
		lg:           zap.L(),
		client:       client,
		namespace:    lo.Ternary(namespace == "", metav1.NamespaceDefault, namespace),
		pollInterval: 100 * time.Millisecond,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewFromConfig builds the clientset from in-cluster config or kubeconfig.
func NewFromConfig(lg *zap.Logger, cfg *Config, opts ...Option) (*Provider, error) {
	kc, err := k8s.NewK8sClient(cfg.Kubeconfig)
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithLogger(lg)}, opts...)
	if cfg.PollInterval > 0 {
		opts = append(opts, WithPollInterval(time.Duration(cfg.PollInterval)*time.Millisecond))
	}
	lg.Info("using kubernetes leases for locks", zap.String("namespace", cfg.Namespace))
	return New(kc.Interface(), cfg.Namespace, opts...), nil
}

// LeaseName maps a lock key to a valid object name.
func LeaseName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "dlock-" + hex.EncodeToString(sum[:])[:40]
}

func leaseSeconds(d time.Duration) int32 {
	if d <= 0 {
		d = defaultLease
	}
	return int32(math.Ceil(d.Seconds()))
}

func (p *Provider) leases() coordinationclient.LeaseInterface {
	return p.client.CoordinationV1().Leases(p.namespace)
}

// take makes one attempt to hold key under token.
func (p *Provider) take(ctx context.Context, key, token string, leaseTime time.Duration) (bool, error) {
	now := metav1.NewMicroTime(p.now())
	name := LeaseName(key)
	spec := coordinationv1.LeaseSpec{
		HolderIdentity:       lo.ToPtr(token),
		LeaseDurationSeconds: lo.ToPtr(leaseSeconds(leaseTime)),
		AcquireTime:          &now,
		RenewTime:            &now,
	}

	current, err := p.leases().Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = p.leases().Create(ctx, &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{
				Name:        name,
				Namespace:   p.namespace,
				Labels:      map[string]string{ManagedLabel: managedBy},
				Annotations: map[string]string{KeyAnnotation: key},
			},
			Spec: spec,
		}, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			return false, nil
		}
		return err == nil, err
	}
	if err != nil {
		return false, err
	}
	if !k8s.IsLeaseExpired(current, p.now()) {
		return false, nil
	}

	transitions := lo.FromPtr(current.Spec.LeaseTransitions) + 1
	spec.LeaseTransitions = &transitions
	current.Spec = spec
	_, err = p.leases().Update(ctx, current, metav1.UpdateOptions{})
	if apierrors.IsConflict(err) || apierrors.IsNotFound(err) {
		return false, nil
	}
	if err == nil {
		p.lg.Debug("took over expired lease", zap.String("key", key), zap.String("lease", name))
	}
	return err == nil, err
}

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
	ok, err := p.poll(ctx, p.now().Add(waitTime), func() (bool, error) {
		return p.take(ctx, key, token, leaseTime)
	})
	if err != nil && ctx.Err() == nil {
		p.lg.Error("error acquiring lease", zap.String("key", key), zap.Error(err))
	}
	if ok {
		p.lg.Debug("lock acquired", zap.String("key", key))
	}
	return ok, err
}

func (p *Provider) Lock(ctx context.Context, key, token string, leaseTime time.Duration) error {
	_, err := p.poll(ctx, time.Time{}, func() (bool, error) {
		return p.take(ctx, key, token, leaseTime)
	})
	if err == nil {
		p.lg.Debug("lock acquired", zap.String("key", key))
	}
	return err
}

func (p *Provider) Release(ctx context.Context, key, token string) (bool, error) {
	name := LeaseName(key)
	current, err := p.leases().Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		p.lg.Debug("lock already released", zap.String("key", key))
		return false, nil
	}
	if err != nil {
		p.lg.Error("failed to unlock", zap.String("key", key), zap.Error(err))
		return false, err
	}
	if lo.FromPtr(current.Spec.HolderIdentity) != token {
		p.lg.Debug("lease held by another token", zap.String("key", key))
		return false, nil
	}

	err = p.leases().Delete(ctx, name, metav1.DeleteOptions{
		Preconditions: &metav1.Preconditions{ResourceVersion: lo.ToPtr(current.ResourceVersion)},
	})
	if apierrors.IsNotFound(err) || apierrors.IsConflict(err) {
		return false, nil
	}
	if err != nil {
		p.lg.Error("failed to unlock", zap.String("key", key), zap.Error(err))
		return false, err
	}
	p.lg.Debug("lock released", zap.String("key", key))
	return true, nil
}

func (p *Provider) IsHeld(ctx context.Context, key string) (bool, error) {
	current, err := p.leases().Get(ctx, LeaseName(key), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !k8s.IsLeaseExpired(current, p.now()), nil
}

// Leases lists the lock leases in the provider's namespace.
func (p *Provider) Leases(ctx context.Context) ([]k8s.LeaseInfo, error) {
	return k8s.NewK8sClientFrom(p.client).GetLeases(ctx,
		k8s.WithNamespaces(p.namespace),
		k8s.WithLabels(map[string]string{ManagedLabel: managedBy}),
	)
}
