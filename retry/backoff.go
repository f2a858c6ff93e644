// Package retry provides the bounded exponential backoff policy used by
// polling loops. The delay schedule is a pure function of the attempt number
// so it can be tested without real sleeps.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines a bounded exponential backoff schedule.
type Policy struct {
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // upper bound for the schedule
	Multiplier   float64       // growth factor per unchanged poll
	Jitter       bool          // add ±25% random jitter to each delay
}

// DefaultPolicy returns the schedule used when waiting for task results:
// 1s initial, doubling up to 60s.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

// normalized returns a copy with invalid fields replaced by safe values.
func (p Policy) normalized() Policy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// NextDelay computes the delay before the given attempt. Attempt numbering
// starts at 1; attempt 0 (the first try) has no delay.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	p = p.normalized()

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// Jitter spreads simultaneous pollers apart to avoid synchronized bursts.
	if p.Jitter {
		jitter := delay * 0.25
		delay = delay + (rand.Float64()*2-1)*jitter
	}

	if delay < float64(p.InitialDelay) {
		delay = float64(p.InitialDelay)
	}

	return time.Duration(delay)
}

// Wait sleeps for the attempt's delay, returning early with ctx.Err() if the
// context is cancelled first.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	delay := p.NextDelay(attempt)
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
