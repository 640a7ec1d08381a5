package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-dlock/lock"
)

// KeyStatsView is the JSON shape of one key's stats, durations in ms.
type KeyStatsView struct {
	Key             string  `json:"key"`
	Acquired        int64   `json:"acquired"`
	Reentered       int64   `json:"reentered"`
	Failed          int64   `json:"failed"`
	Released        int64   `json:"released"`
	ReleaseFailures int64   `json:"release_failures"`
	AvgWaitMs       float64 `json:"avg_wait_ms"`
	MaxWaitMs       float64 `json:"max_wait_ms"`
	AvgHoldMs       float64 `json:"avg_hold_ms"`
	MaxHoldMs       float64 `json:"max_hold_ms"`
}

func toView(ks lock.KeyStats) KeyStatsView {
	return KeyStatsView{
		Key:             ks.Key,
		Acquired:        ks.Acquired,
		Reentered:       ks.Reentered,
		Failed:          ks.Failed,
		Released:        ks.Released,
		ReleaseFailures: ks.ReleaseFails,
		AvgWaitMs:       float64(ks.AvgWait().Microseconds()) / 1000,
		MaxWaitMs:       float64(ks.MaxWait.Microseconds()) / 1000,
		AvgHoldMs:       float64(ks.AvgHold().Microseconds()) / 1000,
		MaxHoldMs:       float64(ks.MaxHold.Microseconds()) / 1000,
	}
}

type Monitor struct {
	lg    *zap.Logger
	c     *lock.Coordinator
	stats *lock.Stats
}

func NewMonitor(lg *zap.Logger, c *lock.Coordinator, stats *lock.Stats) *Monitor {
	return &Monitor{lg: lg, c: c, stats: stats}
}

// Register mounts the monitor routes under /lock/monitor.
func (m *Monitor) Register(r gin.IRouter) {
	g := r.Group("/lock/monitor")
	g.GET("/stats", m.getStats)
	g.POST("/clear", m.clearStats)
	g.GET("/held", m.isHeld)
	g.GET("/records", m.records)
}

func (m *Monitor) getStats(c *gin.Context) {
	if key := c.Query("key"); key != "" {
		ks, ok := m.stats.Get(key)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"message": "no stats for key", "key": key})
			return
		}
		c.JSON(http.StatusOK, toView(ks))
		return
	}
	c.JSON(http.StatusOK, lo.Map(m.stats.Snapshot(), func(ks lock.KeyStats, _ int) KeyStatsView {
		return toView(ks)
	}))
}

func (m *Monitor) clearStats(c *gin.Context) {
	m.stats.Reset()
	m.lg.Info("lock stats cleared")
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func (m *Monitor) isHeld(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "key is required"})
		return
	}
	held, err := m.c.IsHeld(c.Request.Context(), key)
	if err != nil {
		m.lg.Error("failed to query lock", zap.String("key", key), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": err.Error(), "key": key})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "held": held})
}

func (m *Monitor) records(c *gin.Context) {
	var recs []lock.Record
	if owner := c.Query("owner"); owner != "" {
		recs = m.c.Tracker().Held(owner)
	} else {
		recs = m.c.Tracker().Snapshot()
	}
	if recs == nil {
		recs = []lock.Record{}
	}
	c.JSON(http.StatusOK, recs)
}
