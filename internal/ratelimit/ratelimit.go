// Package ratelimit contains the write-path resilience primitives: a
// retrying writer with exponential backoff, a batching writer, an
// admission-controlled queue, and an adaptive delay controller that tunes
// the other three to the backing store's observed tolerance.
//
// Only errors recognized by storage.IsRateLimited are ever retried. Anything
// else is a genuine data error and fails fast.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Op is a single attempt of an underlying store write.
type Op func(ctx context.Context) error

// SleepFunc pauses for d or returns early with ctx.Err() when the context is
// done. Tests inject a recording implementation.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// JitterFunc produces the random slack added to a backoff delay.
type JitterFunc func() time.Duration

func defaultJitter(max time.Duration) JitterFunc {
	return func() time.Duration {
		return time.Duration(rand.Int63n(int64(max)))
	}
}

// RetriesExhaustedError is the terminal error after a write stayed
// rate-limited through every allowed attempt. Last carries the final
// underlying error.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

// writeTask tracks a single write through its retry loop. It never outlives
// the call that created it.
type writeTask struct {
	attempt    int
	enqueuedAt time.Time
}
