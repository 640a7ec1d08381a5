package lock

import "time"

// MetricsHook bridges coordinator events to an observability stack without
// the core depending on one.
type MetricsHook interface {
	OnAcquired(keys []string, wait time.Duration)
	OnAcquireFailed(keys []string, wait time.Duration, err error)
	OnReentered(keys []string)
	OnReleased(keys []string, held time.Duration)
	OnReleaseFailed(keys []string, err error)
}

type noopMetrics struct{}

func (noopMetrics) OnAcquired([]string, time.Duration)             {}
func (noopMetrics) OnAcquireFailed([]string, time.Duration, error) {}
func (noopMetrics) OnReentered([]string)                           {}
func (noopMetrics) OnReleased([]string, time.Duration)             {}
func (noopMetrics) OnReleaseFailed([]string, error)                {}

type multiMetrics []MetricsHook

// MultiMetrics fans every event out to each non-nil hook.
func MultiMetrics(hooks ...MetricsHook) MetricsHook {
	out := make(multiMetrics, 0, len(hooks))
	for _, h := range hooks {
		if h != nil {
			out = append(out, h)
		}
	}
	return out
}

func (m multiMetrics) OnAcquired(keys []string, wait time.Duration) {
	for _, h := range m {
		h.OnAcquired(keys, wait)
	}
}

func (m multiMetrics) OnAcquireFailed(keys []string, wait time.Duration, err error) {
	for _, h := range m {
		h.OnAcquireFailed(keys, wait, err)
	}
}

func (m multiMetrics) OnReentered(keys []string) {
	for _, h := range m {
		h.OnReentered(keys)
	}
}

func (m multiMetrics) OnReleased(keys []string, held time.Duration) {
	for _, h := range m {
		h.OnReleased(keys, held)
	}
}

func (m multiMetrics) OnReleaseFailed(keys []string, err error) {
	for _, h := range m {
		h.OnReleaseFailed(keys, err)
	}
}
