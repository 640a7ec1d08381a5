package lock

import (
	"time"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-dlock/util"
)

// Option configures a Coordinator.
type Option func(*coordinatorOptions)

type coordinatorOptions struct {
	lg       *zap.Logger
	metrics  MetricsHook
	tracker  *Tracker
	newToken func() string
	now      func() time.Time
}

func defaultCoordinatorOptions() *coordinatorOptions {
	return &coordinatorOptions{
		lg:       zap.L(),
		metrics:  noopMetrics{},
		newToken: util.NewToken,
		now:      time.Now,
	}
}

func WithLogger(lg *zap.Logger) Option {
	return func(o *coordinatorOptions) {
		if lg != nil {
			o.lg = lg
		}
	}
}

func WithMetrics(m MetricsHook) Option {
	return func(o *coordinatorOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracker shares a reentrancy registry between coordinators, e.g. two
// coordinators over different providers serving the same owners.
func WithTracker(t *Tracker) Option {
	return func(o *coordinatorOptions) {
		o.tracker = t
	}
}

// WithTokenFunc overrides provider token generation (for testing).
func WithTokenFunc(fn func() string) Option {
	return func(o *coordinatorOptions) {
		if fn != nil {
			o.newToken = fn
		}
	}
}

// WithNowFunc overrides the time source (for testing).
func WithNowFunc(fn func() time.Time) Option {
	return func(o *coordinatorOptions) {
		if fn != nil {
			o.now = fn
		}
	}
}
