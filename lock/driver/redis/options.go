package redis

import (
	"time"

	"go.uber.org/zap"
)

// Option configures a Provider.
type Option func(*providerOptions)

type providerOptions struct {
	lg         *zap.Logger
	keyPrefix  string
	retryDelay time.Duration
}

func defaultProviderOptions() *providerOptions {
	return &providerOptions{
		lg:         zap.L(),
		keyPrefix:  "dlock:",
		retryDelay: 50 * time.Millisecond,
	}
}

func WithLogger(lg *zap.Logger) Option {
	return func(o *providerOptions) {
		if lg != nil {
			o.lg = lg
		}
	}
}

// WithKeyPrefix sets the prefix of every Redis key. Default: "dlock:".
func WithKeyPrefix(prefix string) Option {
	return func(o *providerOptions) {
		o.keyPrefix = prefix
	}
}

// WithRetryDelay sets the polling interval while waiting for a taken key.
// Default: 50ms.
func WithRetryDelay(d time.Duration) Option {
	return func(o *providerOptions) {
		if d > 0 {
			o.retryDelay = d
		}
	}
}
