package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to addr and pings it before returning, so a bad
// address fails at startup instead of on the first lock attempt.
func NewRedisClient(ctx context.Context, addr string, db int64, connectTimeout time.Duration) (*redis.Client, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   int(db),
	})
	timeoutCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	_, err := redisClient.Ping(timeoutCtx).Result()
	if err != nil {
		_ = redisClient.Close()
		return nil, NewUtilError(ErrCodeRedisUnavailable, fmt.Sprintf("failed to connect to redis at %s", addr), err, nil)
	}
	return redisClient, nil
}
