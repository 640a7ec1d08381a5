package util

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestValueFromCtx(t *testing.T) {
	type testStruct struct {
		Field string
	}

	t.Run("string value", func(t *testing.T) {
		ctx := ValueToCtx(context.Background(), "string-key", "test-value")
		got, err := ValueFromCtx[string](ctx, "string-key")
		require.NoError(t, err)
		assert.Equal(t, "test-value", got)
	})

	t.Run("struct pointer value", func(t *testing.T) {
		want := &testStruct{Field: "test"}
		ctx := ValueToCtx(context.Background(), "ptr-key", want)
		got, err := ValueFromCtx[*testStruct](ctx, "ptr-key")
		require.NoError(t, err)
		assert.Same(t, want, got)
	})

	t.Run("missing value", func(t *testing.T) {
		_, err := ValueFromCtx[string](context.Background(), "missing-key")
		require.Error(t, err)
		var utilErr *UtilError
		require.ErrorAs(t, err, &utilErr)
		assert.Equal(t, int64(ErrCodeValueNotFoundInContext), utilErr.GetCode())
	})

	t.Run("wrong type", func(t *testing.T) {
		ctx := ValueToCtx(context.Background(), "wrong-type", "string-value")
		_, err := ValueFromCtx[int](ctx, "wrong-type")
		var utilErr *UtilError
		require.ErrorAs(t, err, &utilErr)
		assert.Equal(t, int64(ErrCodeInvalidValueInContext), utilErr.GetCode())
		assert.Equal(t, "string-value", utilErr.GetDetails())
	})
}

func TestLockOwnerCtx(t *testing.T) {
	ctx := LockOwnerToCtx(context.Background(), "owner-1")
	owner, err := LockOwnerFromCtx(ctx)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", owner)

	_, err = CorrelationIdFromCtx(ctx)
	assert.Error(t, err)
}

func TestNewOwnerID(t *testing.T) {
	a := NewOwnerID("")
	b := NewOwnerID("")
	assert.NotEqual(t, a, b)
	assert.Contains(t, NewOwnerID("worker"), "worker:")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLogLevel("-1"))
	assert.Equal(t, zapcore.WarnLevel, parseLogLevel("warn"))
	assert.Equal(t, zapcore.InfoLevel, parseLogLevel(""))
	assert.Equal(t, zapcore.InfoLevel, parseLogLevel("nonsense"))
}
