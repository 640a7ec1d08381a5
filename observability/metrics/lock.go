package metrics

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/infigaming-com/go-dlock/lock"
)

const (
	AttrKey    = "lock.key"
	AttrReason = "lock.failure.reason"
)

// LockMetrics records coordinator events as OpenTelemetry instruments.
type LockMetrics struct {
	acquired      metric.Int64Counter
	failed        metric.Int64Counter
	reentered     metric.Int64Counter
	releaseFailed metric.Int64Counter
	waitTime      metric.Float64Histogram
	holdTime      metric.Float64Histogram
}

var _ lock.MetricsHook = (*LockMetrics)(nil)

func NewLockMetrics(meter metric.Meter) (*LockMetrics, error) {
	var (
		m   LockMetrics
		err error
	)
	if m.acquired, err = meter.Int64Counter("lock.acquire.total",
		metric.WithDescription("Locks acquired at the provider"), metric.WithUnit("{lock}")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("lock.acquire.failure",
		metric.WithDescription("Failed lock acquisitions"), metric.WithUnit("{lock}")); err != nil {
		return nil, err
	}
	if m.reentered, err = meter.Int64Counter("lock.reentry.total",
		metric.WithDescription("Reentrant acquisitions served without the provider"), metric.WithUnit("{lock}")); err != nil {
		return nil, err
	}
	if m.releaseFailed, err = meter.Int64Counter("lock.release.failure",
		metric.WithDescription("Failed lock releases"), metric.WithUnit("{lock}")); err != nil {
		return nil, err
	}
	if m.waitTime, err = meter.Float64Histogram("lock.wait.time",
		metric.WithDescription("Time spent waiting for a lock"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.holdTime, err = meter.Float64Histogram("lock.hold.time",
		metric.WithDescription("Time a lock session was held"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return &m, nil
}

// FailureReason buckets an acquisition error into a low-cardinality label.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, lock.ErrCancelled):
		return "cancelled"
	case errors.Is(err, lock.ErrRetriesExhausted):
		return "retries_exhausted"
	case errors.Is(err, lock.ErrAcquisitionTimeout):
		return "timeout"
	case errors.Is(err, lock.ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, lock.ErrNotHeld):
		return "not_held"
	default:
		return "other"
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func keyAttrs(key string, extra ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(append([]attribute.KeyValue{attribute.String(AttrKey, key)}, extra...)...)
}

func (m *LockMetrics) OnAcquired(keys []string, wait time.Duration) {
	ctx := context.Background()
	for _, key := range keys {
		m.acquired.Add(ctx, 1, keyAttrs(key))
		m.waitTime.Record(ctx, ms(wait), keyAttrs(key))
	}
}

func (m *LockMetrics) OnAcquireFailed(keys []string, wait time.Duration, err error) {
	ctx := context.Background()
	reason := attribute.String(AttrReason, FailureReason(err))
	for _, key := range keys {
		m.failed.Add(ctx, 1, keyAttrs(key, reason))
		m.waitTime.Record(ctx, ms(wait), keyAttrs(key))
	}
}

func (m *LockMetrics) OnReentered(keys []string) {
	ctx := context.Background()
	for _, key := range keys {
		m.reentered.Add(ctx, 1, keyAttrs(key))
	}
}

func (m *LockMetrics) OnReleased(keys []string, held time.Duration) {
	ctx := context.Background()
	for _, key := range keys {
		m.holdTime.Record(ctx, ms(held), keyAttrs(key))
	}
}

func (m *LockMetrics) OnReleaseFailed(keys []string, err error) {
	ctx := context.Background()
	reason := attribute.String(AttrReason, FailureReason(err))
	for _, key := range keys {
		m.releaseFailed.Add(ctx, 1, keyAttrs(key, reason))
	}
}
