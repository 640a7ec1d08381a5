package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-dlock/lock"
	"github.com/infigaming-com/go-dlock/lock/driver/inmem"
)

func newTestMonitor(t *testing.T) (*gin.Engine, *lock.Coordinator, *lock.Stats) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	stats := lock.NewStats()
	c := lock.NewCoordinator(inmem.New(inmem.WithLogger(zap.NewNop())),
		lock.WithLogger(zap.NewNop()), lock.WithMetrics(stats))
	s := NewServer(zap.NewNop(), WithMode(gin.TestMode))
	NewMonitor(zap.NewNop(), c, stats).Register(s.Engine())
	return s.Engine(), c, stats
}

func do(t *testing.T, h http.Handler, method, target string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestMonitor_StatsAndClear(t *testing.T) {
	h, c, _ := newTestMonitor(t)
	ctx := context.Background()

	s1, err := c.Acquire(ctx, "lock:order:1", "o1", time.Second, time.Minute)
	require.NoError(t, err)
	s2, err := c.Acquire(ctx, "lock:order:1", "o1", time.Second, time.Minute)
	require.NoError(t, err)
	_, err = c.Acquire(ctx, "lock:order:1", "o2", 0, time.Minute)
	require.Error(t, err)
	_, err = c.Release(ctx, s2)
	require.NoError(t, err)
	_, err = c.Release(ctx, s1)
	require.NoError(t, err)

	var all []KeyStatsView
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/lock/monitor/stats", &all))
	require.Len(t, all, 1)
	assert.Equal(t, "lock:order:1", all[0].Key)
	assert.Equal(t, int64(1), all[0].Acquired)
	assert.Equal(t, int64(1), all[0].Reentered)
	assert.Equal(t, int64(1), all[0].Failed)
	assert.Equal(t, int64(2), all[0].Released)

	var one KeyStatsView
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/lock/monitor/stats?key=lock:order:1", &one))
	assert.Equal(t, int64(1), one.Acquired)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/lock/monitor/stats?key=missing", nil))

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/lock/monitor/clear", nil))
	all = nil
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/lock/monitor/stats", &all))
	assert.Empty(t, all)
}

func TestMonitor_HeldAndRecords(t *testing.T) {
	h, c, _ := newTestMonitor(t)
	ctx := context.Background()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/lock/monitor/held", nil))

	var held struct {
		Key  string `json:"key"`
		Held bool   `json:"held"`
	}
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/lock/monitor/held?key=stock:A", &held))
	assert.False(t, held.Held)

	s, err := c.AcquireJoint(ctx, []string{"stock:B", "stock:A"}, "transfer-1", time.Second, time.Minute)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/lock/monitor/held?key=stock:A", &held))
	assert.True(t, held.Held)

	var recs []lock.Record
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/lock/monitor/records", &recs))
	require.Len(t, recs, 2)
	assert.Equal(t, "stock:A", recs[0].Key)
	assert.Equal(t, "transfer-1", recs[0].Owner)

	recs = nil
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/lock/monitor/records?owner=nobody", &recs))
	assert.Empty(t, recs)

	_, err = c.Release(ctx, s)
	require.NoError(t, err)
	recs = nil
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/lock/monitor/records", &recs))
	assert.Empty(t, recs)
}

func TestServer_Healthcheck(t *testing.T) {
	h, _, _ := newTestMonitor(t)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthcheck", nil))
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/", nil))
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	s := NewServer(zap.NewNop(), WithMode(gin.TestMode), WithPort(0), WithShutdownTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
