package usecase

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/eliteGoblin/focusd/crash_mon/internal/config"
)

// Backoff computes retry delays from the persisted attempt count, so a
// restarted sender continues where the previous one stopped.
type Backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
}

// NewBackoff creates a backoff from the retry configuration.
func NewBackoff(cfg config.RetryConfig) *Backoff {
	return &Backoff{
		initial:    cfg.InitialInterval,
		max:        cfg.MaxInterval,
		multiplier: cfg.Multiplier,
		jitter:     cfg.Jitter,
	}
}

// Next returns the delay to wait after the given failed attempt (1-based).
//   - Attempt 1: initial
//   - Attempt n: initial * multiplier^(n-1), capped at max
//
// and then randomized by ±jitter.
func (b *Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	interval := float64(b.initial) * math.Pow(b.multiplier, float64(attempt-1))
	if interval > float64(b.max) {
		interval = float64(b.max)
	}

	if b.jitter > 0 {
		delta := b.jitter * interval
		interval = interval - delta + rand.Float64()*2*delta //nolint:gosec // not crypto
	}
	return time.Duration(interval)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
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
