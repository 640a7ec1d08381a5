package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Schedule yields the delay before the n-th retry (n starts at 1).
type Schedule interface {
	Next(n int) time.Duration
}

type Fixed struct {
	Interval time.Duration
}

func (f Fixed) Next(int) time.Duration {
	return f.Interval
}

type Config struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Exponential grows as Initial * Multiplier^(n-1), capped at Max. A zero
// Max leaves the schedule uncapped. Jitter never moves a delay outside
// [0, Max].
type Exponential struct {
	config Config
}

func NewExponential(cfg Config) Exponential {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return Exponential{config: cfg}
}

func (e Exponential) Next(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	raw := float64(e.config.Initial) * math.Pow(e.config.Multiplier, float64(n-1))
	if e.config.Max > 0 && raw > float64(e.config.Max) {
		raw = float64(e.config.Max)
	}
	if e.config.Jitter > 0 {
		raw += (rand.Float64()*2 - 1) * raw * e.config.Jitter
	}
	return e.clamp(raw)
}

func (e Exponential) clamp(d float64) time.Duration {
	if d < 0 {
		return 0
	}
	if e.config.Max > 0 && d > float64(e.config.Max) {
		return e.config.Max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
