package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-dlock/lock"
	"github.com/infigaming-com/go-dlock/util"
)

const maxLoggedBody = 1024

type loggingMiddlewareOptions struct {
	lg           *zap.Logger
	debugEnabled bool
	excludePaths []string
}

type LoggingMiddlewareOption func(*loggingMiddlewareOptions)

func WithLogger(lg *zap.Logger) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.lg = lg
	}
}

// WithDebugEnabled adds request and response bodies to the log entry.
func WithDebugEnabled(debugEnabled bool) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.debugEnabled = debugEnabled
	}
}

func WithExcludePaths(excludePaths []string) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.excludePaths = excludePaths
	}
}

func defaultLoggingMiddlewareOptions() *loggingMiddlewareOptions {
	return &loggingMiddlewareOptions{
		lg: zap.L(),
	}
}

func truncate(b []byte) []byte {
	if len(b) > maxLoggedBody {
		return b[:maxLoggedBody]
	}
	return b
}

// LoggingMiddleware logs one entry per request with its correlation id and
// lock owner. Server errors and lock conflicts are logged at warn.
func LoggingMiddleware(opts ...LoggingMiddlewareOption) gin.HandlerFunc {
	cfg := defaultLoggingMiddlewareOptions()

	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		if lo.Contains(cfg.excludePaths, c.Request.URL.Path) {
			c.Next()
			return
		}

		startTime := time.Now()
		var requestBody []byte
		var rw *responseWriter
		if cfg.debugEnabled {
			if c.Request.Body != nil {
				requestBody, _ = io.ReadAll(c.Request.Body)
				c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
			}
			rw = &responseWriter{ResponseWriter: c.Writer, body: bytes.NewBuffer(nil)}
			c.Writer = rw
		}

		c.Next()

		ctx := c.Request.Context()
		correlationId, _ := util.CorrelationIdFromCtx(ctx)
		owner, _ := lock.OwnerFromContext(ctx)
		status := c.Writer.Status()

		fields := []zap.Field{
			zap.String("correlationId", correlationId),
			zap.String("lockOwner", owner),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(startTime)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if cfg.debugEnabled {
			fields = append(fields,
				zap.Any("queryParams", c.Request.URL.Query()),
				zap.ByteString("requestBody", truncate(requestBody)),
				zap.ByteString("responseBody", truncate(rw.body.Bytes())),
			)
		}

		switch {
		case status >= http.StatusInternalServerError, status == http.StatusConflict:
			cfg.lg.Warn("[Logging]", fields...)
		case cfg.debugEnabled:
			cfg.lg.Debug("[Logging]", fields...)
		default:
			cfg.lg.Info("[Logging]", fields...)
		}
	}
}
