package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultConcurrency    = 3
	defaultInterItemDelay = 1 * time.Second
	queueWriterRetries    = 3
	queueWriterCap        = 5 * time.Second
)

// Queue is an admission-controlled write pipeline: at most concurrency writes
// are in flight at once, and each completed write holds its slot for a pacing
// delay before releasing it. This caps burst load on the store no matter how
// many callers write concurrently.
//
// Each admitted write runs through an internal Writer with a reduced retry
// budget, since the queue itself already throttles the request rate.
type Queue struct {
	sem      chan struct{}
	delay    time.Duration
	writer   *Writer
	sleep    SleepFunc
	adaptive *AdaptiveDelay
	logger   *slog.Logger
}

// QueueOption customizes a Queue.
type QueueOption func(*Queue)

// WithQueueSleep overrides the pacing sleep implementation.
func WithQueueSleep(s SleepFunc) QueueOption {
	return func(q *Queue) { q.sleep = s }
}

// WithQueueAdaptive makes the queue pace itself (and its internal writer)
// from a shared delay controller instead of the fixed delay.
func WithQueueAdaptive(a *AdaptiveDelay) QueueOption {
	return func(q *Queue) { q.adaptive = a }
}

// WithQueueWriter replaces the internal per-item writer (tests tighten its
// backoff).
func WithQueueWriter(w *Writer) QueueOption {
	return func(q *Queue) { q.writer = w }
}

// NewQueue creates a Queue. Non-positive concurrency or delay select the
// defaults (3 in flight, one second between items).
func NewQueue(concurrency int, delay time.Duration, opts ...QueueOption) *Queue {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if delay <= 0 {
		delay = defaultInterItemDelay
	}
	q := &Queue{
		sem:    make(chan struct{}, concurrency),
		delay:  delay,
		sleep:  sleep,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.writer == nil {
		q.writer = NewWriter(
			WithMaxRetries(queueWriterRetries),
			WithBackoff(defaultBase, queueWriterCap),
			WithAdaptive(q.adaptive),
		)
	}
	return q
}

// Do admits op once a slot frees up, runs it through the retrying writer,
// and paces before releasing the slot. It blocks until the write reaches a
// terminal state or ctx is done while still waiting for admission.
func (q *Queue) Do(ctx context.Context, op Op) error {
	select {
	case q.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() {
		// Pacing happens while holding the slot so a burst of callers can
		// never exceed concurrency writes per delay window. The pacing sleep
		// deliberately ignores the caller's context: the write already
		// finished.
		if err := q.sleep(context.Background(), q.interItemDelay()); err != nil {
			q.logger.Debug("queue pacing interrupted", "error", err)
		}
		<-q.sem
	}()

	return q.writer.Write(ctx, op)
}

// InFlight returns how many writes currently hold a slot.
func (q *Queue) InFlight() int {
	return len(q.sem)
}

func (q *Queue) interItemDelay() time.Duration {
	if q.adaptive != nil {
		return q.adaptive.Delay()
	}
	return q.delay
}
