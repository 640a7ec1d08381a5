package lock

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  RetryConfig
		ok   bool
	}{
		{"fixed", FixedRetry(3, time.Second), true},
		{"zero retries", FixedRetry(0, 0), true},
		{"negative retries", FixedRetry(-1, time.Second), false},
		{"negative interval", FixedRetry(1, -time.Second), false},
		{"exponential", ExponentialRetry(3, 100*time.Millisecond, 2, time.Second), true},
		{"factor too small", ExponentialRetry(3, 100*time.Millisecond, 1, time.Second), false},
		{"cap below initial", ExponentialRetry(3, time.Second, 2, 100*time.Millisecond), false},
		{"unknown kind", RetryConfig{Backoff: "linear"}, false},
		{"jitter out of range", RetryConfig{Backoff: BackoffFixed, Jitter: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRetryConfig)
			}
		})
	}
}

func TestRetryConfig_Delay(t *testing.T) {
	exp := ExponentialRetry(5, 100*time.Millisecond, 2, 500*time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, exp.Delay(1))
	assert.Equal(t, 200*time.Millisecond, exp.Delay(2))
	assert.Equal(t, 400*time.Millisecond, exp.Delay(3))
	assert.Equal(t, 500*time.Millisecond, exp.Delay(4))

	fixed := FixedRetry(5, 250*time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, fixed.Delay(1))
	assert.Equal(t, 250*time.Millisecond, fixed.Delay(4))
}

func TestRetryConfig_DelayZeroInterval(t *testing.T) {
	exp := ExponentialRetry(3, 0, 2, 0)
	require.NoError(t, exp.Validate())
	assert.Equal(t, time.Duration(0), exp.Delay(1))
	assert.Equal(t, time.Duration(0), exp.Delay(3))
}

func TestRetryConfig_DelayJitterStaysUnderCap(t *testing.T) {
	exp := ExponentialRetry(5, 100*time.Millisecond, 2, 200*time.Millisecond)
	exp.Jitter = 0.5
	for i := 0; i < 200; i++ {
		d := exp.Delay(5)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 200*time.Millisecond)
	}
}

func TestRetry_SucceedsEventually(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), FixedRetry(5, time.Millisecond), func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_Exhausted(t *testing.T) {
	calls := 0
	cause := stderrors.New("backend busy")
	err := Retry(context.Background(), FixedRetry(3, time.Millisecond), func(context.Context) (bool, error) {
		calls++
		return false, cause
	})
	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, cause)

	var retryErr *RetryError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, 4, retryErr.Attempts)
	assert.Equal(t, 3, retryErr.Retries)
	assert.Contains(t, err.Error(), "4 attempts")
}

func TestRetry_ZeroRetries(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), FixedRetry(0, time.Second), func(context.Context) (bool, error) {
		calls++
		return false, nil
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrLockNotAcquired)
}

func TestRetry_PermanentStops(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), FixedRetry(3, time.Millisecond), func(context.Context) (bool, error) {
		calls++
		return false, ErrInvalidJointRequest
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, ErrInvalidJointRequest)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
}

func TestRetry_CancelledWhileSleeping(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, FixedRetry(3, time.Minute), func(context.Context) (bool, error) {
		calls++
		time.AfterFunc(10*time.Millisecond, cancel)
		return false, nil
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
}

func TestRetry_CancelledInsideAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := Retry(ctx, FixedRetry(3, time.Millisecond), func(ctx context.Context) (bool, error) {
		cancel()
		return false, ctx.Err()
	})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
}

func TestRetry_InvalidConfig(t *testing.T) {
	called := false
	err := Retry(context.Background(), RetryConfig{MaxRetries: -1}, func(context.Context) (bool, error) {
		called = true
		return true, nil
	})
	assert.ErrorIs(t, err, ErrInvalidRetryConfig)
	assert.False(t, called)
}
