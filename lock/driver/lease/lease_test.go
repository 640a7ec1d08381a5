package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/infigaming-com/go-dlock/lock"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestProvider(t *testing.T, opts ...Option) (*Provider, *fake.Clientset) {
	t.Helper()
	client := fake.NewSimpleClientset()
	opts = append([]Option{WithLogger(zap.NewNop()), WithPollInterval(5 * time.Millisecond)}, opts...)
	return New(client, "locks", opts...), client
}

func TestLeaseName(t *testing.T) {
	a := LeaseName("order:1")
	assert.Equal(t, a, LeaseName("order:1"))
	assert.NotEqual(t, a, LeaseName("order:2"))
	assert.Len(t, a, len("dlock-")+40)
}

func TestProvider_TryAcquireRelease(t *testing.T) {
	p, client := newTestProvider(t)
	ctx := context.Background()

	ok, err := p.TryAcquire(ctx, "order:1", "tok-1", 0, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	l, err := client.CoordinationV1().Leases("locks").Get(ctx, LeaseName("order:1"), metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", *l.Spec.HolderIdentity)
	assert.Equal(t, int32(10), *l.Spec.LeaseDurationSeconds)
	assert.Equal(t, "order:1", l.Annotations[KeyAnnotation])

	ok, err = p.TryAcquire(ctx, "order:1", "tok-2", 20*time.Millisecond, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	held, err := p.IsHeld(ctx, "order:1")
	require.NoError(t, err)
	assert.True(t, held)

	ok, err = p.Release(ctx, "order:1", "tok-2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.Release(ctx, "order:1", "tok-1")
	require.NoError(t, err)
	assert.True(t, ok)

	held, err = p.IsHeld(ctx, "order:1")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestProvider_ExpiredLeaseTakenOver(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p, client := newTestProvider(t, WithNowFunc(clock.now))
	ctx := context.Background()

	ok, err := p.TryAcquire(ctx, "k", "tok-1", 0, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	clock.advance(6 * time.Second)
	held, err := p.IsHeld(ctx, "k")
	require.NoError(t, err)
	assert.False(t, held)

	ok, err = p.TryAcquire(ctx, "k", "tok-2", 0, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	l, err := client.CoordinationV1().Leases("locks").Get(ctx, LeaseName("k"), metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "tok-2", *l.Spec.HolderIdentity)
	assert.Equal(t, int32(1), *l.Spec.LeaseTransitions)

	ok, err = p.Release(ctx, "k", "tok-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProvider_LockCancelled(t *testing.T) {
	p, _ := newTestProvider(t)
	_, err := p.TryAcquire(context.Background(), "k", "tok-1", 0, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = p.Lock(ctx, "k", "tok-2", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProvider_Leases(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()
	_, err := p.TryAcquire(ctx, "a", "tok-1", 0, time.Minute)
	require.NoError(t, err)
	_, err = p.TryAcquire(ctx, "b", "tok-2", 0, time.Minute)
	require.NoError(t, err)

	leases, err := p.Leases(ctx)
	require.NoError(t, err)
	assert.Len(t, leases, 2)
}

// Leases have no atomic multi-key primitive, so joint requests go through
// the coordinator's sequential path with rollback.
func TestProvider_JointThroughCoordinator(t *testing.T) {
	p, _ := newTestProvider(t)
	c := lock.NewCoordinator(p, lock.WithLogger(zap.NewNop()))
	ctx := context.Background()

	ok, err := p.TryAcquire(ctx, "stock:B", "other", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = c.AcquireJoint(ctx, []string{"stock:B", "stock:A"}, "transfer-1", 20*time.Millisecond, time.Minute)
	assert.ErrorIs(t, err, lock.ErrAcquisitionTimeout)
	held, err := p.IsHeld(ctx, "stock:A")
	require.NoError(t, err)
	assert.False(t, held, "stock:A rolled back")

	_, err = p.Release(ctx, "stock:B", "other")
	require.NoError(t, err)
	s, err := c.AcquireJoint(ctx, []string{"stock:B", "stock:A"}, "transfer-1", time.Second, time.Minute)
	require.NoError(t, err)
	ok, err = c.Release(ctx, s)
	require.NoError(t, err)
	assert.True(t, ok)
}
