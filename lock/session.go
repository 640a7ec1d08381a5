package lock

import (
	"sync/atomic"
	"time"
)

// Session is the outcome of one acquisition. A session with Acquired set
// must be handed to Coordinator.Release exactly once.
type Session struct {
	Keys       []string
	Owner      string
	Acquired   bool
	Tokens     map[string]string
	Joint      bool
	AcquiredAt time.Time

	// fresh marks keys this session took at the provider, as opposed to
	// keys it only reentered.
	fresh    map[string]bool
	consumed atomic.Bool
}

func newSession(keys []string, owner string, joint bool) *Session {
	return &Session{
		Keys:   keys,
		Owner:  owner,
		Joint:  joint,
		Tokens: make(map[string]string, len(keys)),
		fresh:  make(map[string]bool, len(keys)),
	}
}

// Reentrant reports whether every key was already held by the owner, so
// the session never touched the provider.
func (s *Session) Reentrant() bool {
	if !s.Acquired {
		return false
	}
	for _, key := range s.Keys {
		if s.fresh[key] {
			return false
		}
	}
	return true
}

// Released reports whether the session has been consumed by Release.
func (s *Session) Released() bool {
	return s.consumed.Load()
}
