package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/infigaming-com/go-dlock/lock"
	"github.com/infigaming-com/go-dlock/util"
)

const CorrelationIdKey string = "X-CORRELATION-ID"

// CorrelationIdMiddleware reuses the caller's correlation id when present
// and binds it as the lock owner, so every guarded call made while serving
// the request reenters the same locks.
func CorrelationIdMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationId := c.GetHeader(CorrelationIdKey)
		if _, err := uuid.Parse(correlationId); err != nil {
			correlationId = uuid.New().String()
		}
		c.Header(CorrelationIdKey, correlationId)
		ctx := util.CorrelationIdToCtx(c.Request.Context(), correlationId)
		ctx = lock.WithOwner(ctx, util.NewOwnerID(correlationId))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
