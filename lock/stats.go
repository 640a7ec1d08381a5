package lock

import (
	"sort"
	"sync"
	"time"
)

// KeyStats aggregates the lock activity of one key.
type KeyStats struct {
	Key          string        `json:"key"`
	Acquired     int64         `json:"acquired"`
	Reentered    int64         `json:"reentered"`
	Failed       int64         `json:"failed"`
	Released     int64         `json:"released"`
	ReleaseFails int64         `json:"release_failures"`
	TotalWait    time.Duration `json:"total_wait"`
	MaxWait      time.Duration `json:"max_wait"`
	TotalHold    time.Duration `json:"total_hold"`
	MaxHold      time.Duration `json:"max_hold"`
}

func (s KeyStats) AvgWait() time.Duration {
	if s.Acquired == 0 {
		return 0
	}
	return s.TotalWait / time.Duration(s.Acquired)
}

func (s KeyStats) AvgHold() time.Duration {
	if s.Released == 0 {
		return 0
	}
	return s.TotalHold / time.Duration(s.Released)
}

// Stats is an in-memory MetricsHook keeping per-key counters for the
// monitor API.
type Stats struct {
	mu   sync.Mutex
	keys map[string]*KeyStats
}

func NewStats() *Stats {
	return &Stats{keys: make(map[string]*KeyStats)}
}

func (s *Stats) each(keys []string, fn func(ks *KeyStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		ks, ok := s.keys[key]
		if !ok {
			ks = &KeyStats{Key: key}
			s.keys[key] = ks
		}
		fn(ks)
	}
}

func (s *Stats) OnAcquired(keys []string, wait time.Duration) {
	s.each(keys, func(ks *KeyStats) {
		ks.Acquired++
		ks.TotalWait += wait
		ks.MaxWait = max(ks.MaxWait, wait)
	})
}

func (s *Stats) OnAcquireFailed(keys []string, wait time.Duration, _ error) {
	s.each(keys, func(ks *KeyStats) {
		ks.Failed++
	})
}

func (s *Stats) OnReentered(keys []string) {
	s.each(keys, func(ks *KeyStats) {
		ks.Reentered++
	})
}

func (s *Stats) OnReleased(keys []string, held time.Duration) {
	s.each(keys, func(ks *KeyStats) {
		ks.Released++
		ks.TotalHold += held
		ks.MaxHold = max(ks.MaxHold, held)
	})
}

func (s *Stats) OnReleaseFailed(keys []string, _ error) {
	s.each(keys, func(ks *KeyStats) {
		ks.ReleaseFails++
	})
}

// Snapshot returns a copy of every key's stats, sorted by key.
func (s *Stats) Snapshot() []KeyStats {
	s.mu.Lock()
	out := make([]KeyStats, 0, len(s.keys))
	for _, ks := range s.keys {
		out = append(out, *ks)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *Stats) Get(key string) (KeyStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keys[key]
	if !ok {
		return KeyStats{}, false
	}
	return *ks, true
}

func (s *Stats) Reset() {
	s.mu.Lock()
	s.keys = make(map[string]*KeyStats)
	s.mu.Unlock()
}
