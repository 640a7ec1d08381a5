package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/infigaming-com/go-dlock/lock"
)

// PrometheusLockMetrics records coordinator events as Prometheus
// collectors, for deployments scraped at /metrics instead of pushing OTLP.
type PrometheusLockMetrics struct {
	Acquired      *prometheus.CounterVec
	Failed        *prometheus.CounterVec
	Reentered     *prometheus.CounterVec
	ReleaseFailed *prometheus.CounterVec
	WaitSeconds   *prometheus.HistogramVec
	HoldSeconds   *prometheus.HistogramVec
}

var _ lock.MetricsHook = (*PrometheusLockMetrics)(nil)

// NewPrometheusLockMetrics creates the collectors and registers them on reg.
func NewPrometheusLockMetrics(reg prometheus.Registerer) (*PrometheusLockMetrics, error) {
	m := &PrometheusLockMetrics{
		Acquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlock_acquire_total",
			Help: "Locks acquired at the provider.",
		}, []string{"key"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlock_acquire_failure_total",
			Help: "Failed lock acquisitions.",
		}, []string{"key", "reason"}),
		Reentered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlock_reentry_total",
			Help: "Reentrant acquisitions served without the provider.",
		}, []string{"key"}),
		ReleaseFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dlock_release_failure_total",
			Help: "Failed lock releases.",
		}, []string{"key", "reason"}),
		WaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dlock_wait_seconds",
			Help:    "Time spent waiting for a lock.",
			Buckets: prometheus.DefBuckets,
		}, []string{"key"}),
		HoldSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dlock_hold_seconds",
			Help:    "Time a lock session was held.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"key"}),
	}
	for _, c := range []prometheus.Collector{m.Acquired, m.Failed, m.Reentered, m.ReleaseFailed, m.WaitSeconds, m.HoldSeconds} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusLockMetrics) OnAcquired(keys []string, wait time.Duration) {
	for _, key := range keys {
		m.Acquired.WithLabelValues(key).Inc()
		m.WaitSeconds.WithLabelValues(key).Observe(wait.Seconds())
	}
}

func (m *PrometheusLockMetrics) OnAcquireFailed(keys []string, wait time.Duration, err error) {
	reason := FailureReason(err)
	for _, key := range keys {
		m.Failed.WithLabelValues(key, reason).Inc()
		m.WaitSeconds.WithLabelValues(key).Observe(wait.Seconds())
	}
}

func (m *PrometheusLockMetrics) OnReentered(keys []string) {
	for _, key := range keys {
		m.Reentered.WithLabelValues(key).Inc()
	}
}

func (m *PrometheusLockMetrics) OnReleased(keys []string, held time.Duration) {
	for _, key := range keys {
		m.HoldSeconds.WithLabelValues(key).Observe(held.Seconds())
	}
}

func (m *PrometheusLockMetrics) OnReleaseFailed(keys []string, err error) {
	reason := FailureReason(err)
	for _, key := range keys {
		m.ReleaseFailed.WithLabelValues(key, reason).Inc()
	}
}
