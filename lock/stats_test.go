package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats_RecordsCoordinatorEvents(t *testing.T) {
	p := newFakeProvider()
	stats := NewStats()
	c := newTestCoordinator(p, WithMetrics(stats))
	ctx := context.Background()

	s1, err := c.Acquire(ctx, "k", "o1", time.Second, time.Second)
	require.NoError(t, err)
	s2, err := c.Acquire(ctx, "k", "o1", time.Second, time.Second)
	require.NoError(t, err)
	_, err = c.Acquire(ctx, "k", "o2", 0, time.Second)
	require.Error(t, err)
	_, err = c.Release(ctx, s2)
	require.NoError(t, err)
	_, err = c.Release(ctx, s1)
	require.NoError(t, err)

	ks, ok := stats.Get("k")
	require.True(t, ok)
	assert.Equal(t, int64(1), ks.Acquired)
	assert.Equal(t, int64(1), ks.Reentered)
	assert.Equal(t, int64(1), ks.Failed)
	assert.Equal(t, int64(2), ks.Released)
	assert.GreaterOrEqual(t, ks.MaxHold, ks.AvgHold())

	require.Len(t, stats.Snapshot(), 1)
	stats.Reset()
	assert.Empty(t, stats.Snapshot())
}

func TestMultiMetrics(t *testing.T) {
	a, b := NewStats(), NewStats()
	m := MultiMetrics(a, nil, b)
	m.OnAcquired([]string{"x", "y"}, 5*time.Millisecond)
	m.OnReleaseFailed([]string{"x"}, nil)

	for _, s := range []*Stats{a, b} {
		x, ok := s.Get("x")
		require.True(t, ok)
		assert.Equal(t, int64(1), x.Acquired)
		assert.Equal(t, 5*time.Millisecond, x.MaxWait)
		assert.Equal(t, int64(1), x.ReleaseFails)
		assert.Len(t, s.Snapshot(), 2)
	}
}
