package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/orbgame/storycache/internal/storage"
)

const (
	defaultMaxRetries = 5
	defaultBase       = 1 * time.Second
	defaultCap        = 10 * time.Second
	defaultJitterMax  = 1 * time.Second
)

// Writer retries a single store write with exponential backoff and jitter on
// rate-limit errors. Non-rate-limit errors propagate on first occurrence.
type Writer struct {
	maxRetries int
	base       time.Duration
	cap        time.Duration
	jitter     JitterFunc
	sleep      SleepFunc
	adaptive   *AdaptiveDelay
	logger     *slog.Logger
}

// WriterOption customizes a Writer.
type WriterOption func(*Writer)

// WithMaxRetries sets the attempt budget.
func WithMaxRetries(n int) WriterOption {
	return func(w *Writer) { w.maxRetries = n }
}

// WithBackoff sets the base delay and its cap.
func WithBackoff(base, cap time.Duration) WriterOption {
	return func(w *Writer) { w.base, w.cap = base, cap }
}

// WithJitter overrides the jitter source (tests pass a constant).
func WithJitter(j JitterFunc) WriterOption {
	return func(w *Writer) { w.jitter = j }
}

// WithSleep overrides the sleep implementation (tests record instead of
// sleeping).
func WithSleep(s SleepFunc) WriterOption {
	return func(w *Writer) { w.sleep = s }
}

// WithAdaptive wires the writer's outcomes into a shared delay controller.
func WithAdaptive(a *AdaptiveDelay) WriterOption {
	return func(w *Writer) { w.adaptive = a }
}

// NewWriter creates a Writer with the default retry policy.
func NewWriter(opts ...WriterOption) *Writer {
	w := &Writer{
		maxRetries: defaultMaxRetries,
		base:       defaultBase,
		cap:        defaultCap,
		sleep:      sleep,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.jitter == nil {
		w.jitter = defaultJitter(defaultJitterMax)
	}
	return w
}

// Write runs op, retrying on rate-limit errors with backoff until it
// succeeds, hits a non-retryable error, or exhausts the attempt budget.
func (w *Writer) Write(ctx context.Context, op Op) error {
	task := writeTask{enqueuedAt: time.Now()}
	var last error
	for ; task.attempt < w.maxRetries; task.attempt++ {
		err := op(ctx)
		if err == nil {
			if w.adaptive != nil {
				w.adaptive.RecordSuccess()
			}
			return nil
		}
		// An inner writer already spent its whole attempt budget; its
		// terminal error stays terminal even though it wraps a rate limit.
		var exhausted *RetriesExhaustedError
		if errors.As(err, &exhausted) {
			return err
		}
		if !storage.IsRateLimited(err) {
			return err
		}
		if w.adaptive != nil {
			w.adaptive.RecordRateLimit()
		}
		last = err
		if task.attempt == w.maxRetries-1 {
			break
		}
		delay := w.backoff(task.attempt)
		w.logger.Debug("write rate limited, backing off",
			"attempt", task.attempt+1, "delay", delay, "error", err)
		if serr := w.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return &RetriesExhaustedError{Attempts: w.maxRetries, Last: last}
}

func (w *Writer) backoff(attempt int) time.Duration {
	d := w.base
	for range attempt {
		d *= 2
	}
	d += w.jitter()
	if d > w.cap {
		d = w.cap
	}
	return d
}
