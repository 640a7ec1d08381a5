package lock

import (
	"context"

	"github.com/infigaming-com/go-dlock/util"
)

// WithOwner returns a context whose lock acquisitions are attributed to owner.
// Nested guarded calls sharing this context reenter locks instead of
// blocking on themselves. Goroutines started with this context inherit the
// owner too and would reenter each other's locks; give them ForkOwner
// contexts when they must exclude one another.
func WithOwner(ctx context.Context, owner string) context.Context {
	return util.LockOwnerToCtx(ctx, owner)
}

func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, err := util.LockOwnerFromCtx(ctx)
	if err != nil || owner == "" {
		return "", false
	}
	return owner, true
}

// EnsureOwner returns ctx unchanged when it already carries an owner,
// otherwise it attaches a freshly generated one.
func EnsureOwner(ctx context.Context) (context.Context, string) {
	if owner, ok := OwnerFromContext(ctx); ok {
		return ctx, owner
	}
	owner := util.NewOwnerID("")
	return WithOwner(ctx, owner), owner
}

// ForkOwner returns a context with a new owner for work that runs
// concurrently with ctx's holder. The new id is namespaced by the parent
// owner so logs and records stay traceable.
func ForkOwner(ctx context.Context) (context.Context, string) {
	parent, _ := OwnerFromContext(ctx)
	owner := util.NewOwnerID(parent)
	return WithOwner(ctx, owner), owner
}
