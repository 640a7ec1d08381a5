package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-dlock/lock"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *Provider) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredislib.NewClient(&goredislib.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, New(client, WithLogger(zap.NewNop()), WithRetryDelay(10*time.Millisecond))
}

func TestProvider_TryAcquireRelease(t *testing.T) {
	mr, p := setupMiniredis(t)
	ctx := context.Background()

	ok, err := p.TryAcquire(ctx, "order:1", "tok-1", 0, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	val, err := mr.Get("dlock:order:1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", val)
	assert.Greater(t, mr.TTL("dlock:order:1"), time.Duration(0))

	held, err := p.IsHeld(ctx, "order:1")
	require.NoError(t, err)
	assert.True(t, held)

	ok, err = p.TryAcquire(ctx, "order:1", "tok-2", 30*time.Millisecond, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.Release(ctx, "order:1", "tok-2")
	require.NoError(t, err)
	assert.False(t, ok, "foreign token must not release")

	ok, err = p.Release(ctx, "order:1", "tok-1")
	require.NoError(t, err)
	assert.True(t, ok)

	held, err = p.IsHeld(ctx, "order:1")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestProvider_LeaseExpiry(t *testing.T) {
	mr, p := setupMiniredis(t)
	ctx := context.Background()

	ok, err := p.TryAcquire(ctx, "k", "tok-1", 0, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = p.TryAcquire(ctx, "k", "tok-2", 0, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Release(ctx, "k", "tok-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProvider_TryAcquireWaitsForRelease(t *testing.T) {
	_, p := setupMiniredis(t)
	ctx := context.Background()

	ok, err := p.TryAcquire(ctx, "k", "tok-1", 0, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	time.AfterFunc(30*time.Millisecond, func() {
		_, _ = p.Release(context.Background(), "k", "tok-1")
	})
	ok, err = p.TryAcquire(ctx, "k", "tok-2", time.Second, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProvider_LockCancelled(t *testing.T) {
	_, p := setupMiniredis(t)

	ok, err := p.TryAcquire(context.Background(), "k", "tok-1", 0, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = p.Lock(ctx, "k", "tok-2", 10*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProvider_Joint(t *testing.T) {
	mr, p := setupMiniredis(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("dlock:stock:B", "other"))
	ok, err := p.TryAcquireJoint(ctx, []string{"stock:A", "stock:B"}, "tok-1", 20*time.Millisecond, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("dlock:stock:A"), "failed joint acquire leaves nothing behind")

	mr.Del("dlock:stock:B")
	ok, err = p.TryAcquireJoint(ctx, []string{"stock:A", "stock:B"}, "tok-1", 0, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.ReleaseJoint(ctx, []string{"stock:A", "stock:B"}, "tok-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists("dlock:stock:A"))
	assert.False(t, mr.Exists("dlock:stock:B"))
}

func TestProvider_ReleaseJointPartial(t *testing.T) {
	mr, p := setupMiniredis(t)
	ctx := context.Background()

	ok, err := p.TryAcquireJoint(ctx, []string{"a", "b"}, "tok-1", 0, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mr.Set("dlock:b", "other"))

	ok, err = p.ReleaseJoint(ctx, []string{"a", "b"}, "tok-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("dlock:a"))
	assert.True(t, mr.Exists("dlock:b"))
}

func TestProvider_Unavailable(t *testing.T) {
	mr, p := setupMiniredis(t)
	mr.Close()

	_, err := p.TryAcquire(context.Background(), "k", "tok-1", 0, time.Second)
	assert.Error(t, err)
}

func TestProvider_WithCoordinator(t *testing.T) {
	_, p := setupMiniredis(t)
	c := lock.NewCoordinator(p, lock.WithLogger(zap.NewNop()))
	ctx := context.Background()

	s1, err := c.AcquireJoint(ctx, []string{"stock:B", "stock:A"}, "transfer-1", time.Second, 10*time.Second)
	require.NoError(t, err)

	_, err = c.Acquire(ctx, "stock:A", "transfer-2", 0, 10*time.Second)
	assert.ErrorIs(t, err, lock.ErrAcquisitionTimeout)

	s2, err := c.Acquire(ctx, "stock:A", "transfer-1", 0, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, s2.Reentrant())

	ok, err := c.Release(ctx, s2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.Release(ctx, s1)
	require.NoError(t, err)
	assert.True(t, ok)

	held, err := c.IsHeld(ctx, "stock:A")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestProvider_ReleaseAfterTakeover(t *testing.T) {
	mr, p := setupMiniredis(t)
	c := lock.NewCoordinator(p, lock.WithLogger(zap.NewNop()))
	ctx := context.Background()

	s1, err := c.Acquire(ctx, "order:1", "owner-1", 0, time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	s2, err := c.Acquire(ctx, "order:1", "owner-2", 0, 10*time.Second)
	require.NoError(t, err)

	ok, err := c.Release(ctx, s1)
	assert.False(t, ok)
	assert.ErrorIs(t, err, lock.ErrNotHeld)
	assert.NotErrorIs(t, err, lock.ErrProviderUnavailable)

	held, err := c.IsHeld(ctx, "order:1")
	require.NoError(t, err)
	assert.True(t, held, "the new owner keeps the key")

	ok, err = c.Release(ctx, s2)
	require.NoError(t, err)
	assert.True(t, ok)
}
