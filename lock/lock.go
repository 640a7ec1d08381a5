// Package lock coordinates distributed mutual exclusion on top of a
// pluggable single-key Provider. It tracks per-owner reentrancy, acquires
// joint key sets in a canonical order with all-or-nothing semantics, and
// wraps acquisition with bounded retry and backoff.
package lock

import (
	"context"
	"time"
)

// Provider is a single-key lock primitive backed by one concrete technology.
//
// TryAcquire blocks up to waitTime and reports whether the key is now held
// under token. A provider that cannot reach its backend returns an error
// rather than false. The lease expires on its own after leaseTime unless
// released first.
type Provider interface {
	TryAcquire(ctx context.Context, key, token string, waitTime, leaseTime time.Duration) (bool, error)
	// Lock blocks until the key is held under token or ctx is done.
	Lock(ctx context.Context, key, token string, leaseTime time.Duration) error
	// Release succeeds only when token matches the current holder.
	Release(ctx context.Context, key, token string) (bool, error)
	IsHeld(ctx context.Context, key string) (bool, error)
}

// JointProvider is implemented by providers with an atomic multi-key
// primitive. Providers without it are driven key by key with rollback.
type JointProvider interface {
	Provider
	TryAcquireJoint(ctx context.Context, keys []string, token string, waitTime, leaseTime time.Duration) (bool, error)
	ReleaseJoint(ctx context.Context, keys []string, token string) (bool, error)
}
