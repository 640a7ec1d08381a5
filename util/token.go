package util

import (
	"time"

	"github.com/google/uuid"
)

// NewToken returns a UUIDv7 string. v7 generation can fail transiently when
// the random source is exhausted; after a few attempts it falls back to v4.
func NewToken() string {
	const maxRetry = 10
	for i := 0; i < maxRetry; i++ {
		id, err := uuid.NewV7()
		if err == nil {
			return id.String()
		}
		if i < maxRetry-1 {
			time.Sleep(200 * time.Nanosecond)
		}
	}
	return uuid.New().String()
}

// NewOwnerID returns a fresh lock owner identity, optionally namespaced.
func NewOwnerID(namespace string) string {
	if namespace == "" {
		return NewToken()
	}
	return namespace + ":" + NewToken()
}
