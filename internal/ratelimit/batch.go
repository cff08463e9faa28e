package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/orbgame/storycache/internal/storage"
)

const (
	defaultBatchSize       = 5
	defaultInterBatchDelay = 2 * time.Second
	defaultChunkRetries    = 5
)

// BatchFunc writes one chunk of items as a single store call.
type BatchFunc[T any] func(ctx context.Context, items []T) error

// BatchWriter partitions a slice of pending records into bounded chunks and
// writes them in order with an inter-batch delay. A chunk that fails with a
// rate-limit error is retried in place with a doubled delay; later chunks
// never overtake an earlier one.
type BatchWriter[T any] struct {
	batchSize    int
	delay        time.Duration
	chunkRetries int
	sleep        SleepFunc
	adaptive     *AdaptiveDelay
	logger       *slog.Logger
}

// BatchOption customizes a BatchWriter.
type BatchOption[T any] func(*BatchWriter[T])

// WithBatchSize sets the chunk size.
func WithBatchSize[T any](n int) BatchOption[T] {
	return func(b *BatchWriter[T]) { b.batchSize = n }
}

// WithInterBatchDelay sets the pause between successive chunks.
func WithInterBatchDelay[T any](d time.Duration) BatchOption[T] {
	return func(b *BatchWriter[T]) { b.delay = d }
}

// WithChunkRetries sets how many rate-limited attempts a single chunk gets.
func WithChunkRetries[T any](n int) BatchOption[T] {
	return func(b *BatchWriter[T]) { b.chunkRetries = n }
}

// WithBatchSleep overrides the sleep implementation.
func WithBatchSleep[T any](s SleepFunc) BatchOption[T] {
	return func(b *BatchWriter[T]) { b.sleep = s }
}

// WithBatchAdaptive wires chunk outcomes into a shared delay controller.
func WithBatchAdaptive[T any](a *AdaptiveDelay) BatchOption[T] {
	return func(b *BatchWriter[T]) { b.adaptive = a }
}

// NewBatchWriter creates a BatchWriter with the default chunking policy.
func NewBatchWriter[T any](opts ...BatchOption[T]) *BatchWriter[T] {
	b := &BatchWriter[T]{
		batchSize:    defaultBatchSize,
		delay:        defaultInterBatchDelay,
		chunkRetries: defaultChunkRetries,
		sleep:        sleep,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Chunk splits items into slices of at most size elements, preserving order.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = defaultBatchSize
	}
	var chunks [][]T
	for len(items) > 0 {
		n := min(size, len(items))
		chunks = append(chunks, items[:n])
		items = items[n:]
	}
	return chunks
}

// WriteBatches writes items through write in chunks. It returns the first
// non-retryable error, a RetriesExhaustedError when one chunk stays
// rate-limited past its attempt budget, or nil when every chunk landed.
func (b *BatchWriter[T]) WriteBatches(ctx context.Context, items []T, write BatchFunc[T]) error {
	chunks := Chunk(items, b.batchSize)
	for i, chunk := range chunks {
		delay := b.interBatchDelay()
		attempts := 0
		for {
			err := write(ctx, chunk)
			if err == nil {
				if b.adaptive != nil {
					b.adaptive.RecordSuccess()
				}
				break
			}
			if !storage.IsRateLimited(err) {
				return err
			}
			if b.adaptive != nil {
				b.adaptive.RecordRateLimit()
			}
			attempts++
			if attempts >= b.chunkRetries {
				return &RetriesExhaustedError{Attempts: attempts, Last: err}
			}
			delay *= 2
			b.logger.Debug("chunk rate limited, retrying in place",
				"chunk", i+1, "of", len(chunks), "attempt", attempts, "delay", delay)
			if serr := b.sleep(ctx, delay); serr != nil {
				return serr
			}
		}
		if i < len(chunks)-1 {
			if serr := b.sleep(ctx, b.interBatchDelay()); serr != nil {
				return serr
			}
		}
	}
	return nil
}

func (b *BatchWriter[T]) interBatchDelay() time.Duration {
	if b.adaptive != nil {
		return b.adaptive.Delay()
	}
	return b.delay
}
