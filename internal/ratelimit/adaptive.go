package ratelimit

import (
	"sync"
	"time"
)

const (
	defaultInitialDelay = 1 * time.Second
	defaultFloor        = 500 * time.Millisecond
	defaultCeiling      = 10 * time.Second
	defaultDecayEvery   = 10
	decayFactor         = 0.9
	growthFactor        = 2.0
)

// AdaptiveDelay is a feedback-controlled pacing delay shared by the write
// components of one backing store. Every DecayEvery-th consecutive success
// shrinks the delay multiplicatively down to a floor; any rate-limit error
// doubles it immediately up to a ceiling.
//
// Construct one per backing store and inject it; it is safe for concurrent
// use by many writers.
type AdaptiveDelay struct {
	mu     sync.Mutex
	delay  time.Duration
	streak int

	floor      time.Duration
	ceiling    time.Duration
	decayEvery int

	successes  int64
	rateLimits int64
}

// AdaptiveOption customizes an AdaptiveDelay.
type AdaptiveOption func(*AdaptiveDelay)

// WithBounds sets the floor and ceiling of the controlled delay.
func WithBounds(floor, ceiling time.Duration) AdaptiveOption {
	return func(a *AdaptiveDelay) { a.floor, a.ceiling = floor, ceiling }
}

// WithDecayEvery sets how many consecutive successes trigger one decay step.
func WithDecayEvery(n int) AdaptiveOption {
	return func(a *AdaptiveDelay) { a.decayEvery = n }
}

// NewAdaptiveDelay creates a controller seeded at initial. Zero means the
// default of one second.
func NewAdaptiveDelay(initial time.Duration, opts ...AdaptiveOption) *AdaptiveDelay {
	if initial <= 0 {
		initial = defaultInitialDelay
	}
	a := &AdaptiveDelay{
		delay:      initial,
		floor:      defaultFloor,
		ceiling:    defaultCeiling,
		decayEvery: defaultDecayEvery,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Delay returns the current pacing delay.
func (a *AdaptiveDelay) Delay() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delay
}

// RecordSuccess notes a successful write. Every decayEvery-th consecutive
// success shrinks the delay, never below the floor.
func (a *AdaptiveDelay) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.successes++
	a.streak++
	if a.streak%a.decayEvery != 0 {
		return
	}
	d := time.Duration(float64(a.delay) * decayFactor)
	if d < a.floor {
		d = a.floor
	}
	a.delay = d
}

// RecordRateLimit notes a rate-limited write. The delay grows immediately,
// never above the ceiling, and the success streak resets.
func (a *AdaptiveDelay) RecordRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rateLimits++
	a.streak = 0
	d := time.Duration(float64(a.delay) * growthFactor)
	if d > a.ceiling {
		d = a.ceiling
	}
	a.delay = d
}

// Counts returns the lifetime success and rate-limit totals.
func (a *AdaptiveDelay) Counts() (successes, rateLimits int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.successes, a.rateLimits
}
