// Package orchestrator decides, for each requested partition, whether to
// serve cached stories or generate fresh ones, and routes everything it
// persists through the rate-limit resilience layer.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/orbgame/storycache/internal/generator"
	"github.com/orbgame/storycache/internal/ratelimit"
	"github.com/orbgame/storycache/internal/storage"
	"github.com/orbgame/storycache/internal/synthesis"
)

// StoryStore is the slice of the cache store the orchestrator needs.
type StoryStore interface {
	FetchStories(key storage.Key, limit int) ([]storage.Story, error)
	UpsertStories(stories []storage.Story) error
}

// Generator drafts fresh stories for a partition. It is an opaque
// capability: returning fewer drafts than requested is valid.
type Generator interface {
	Generate(ctx context.Context, key storage.Key, count int) ([]generator.Draft, error)
}

// Attacher runs the best-effort audio pipeline for one story.
type Attacher interface {
	Attach(ctx context.Context, story storage.Story) synthesis.Attachment
}

// Options tune the orchestration policy.
type Options struct {
	// SingleFlight collapses concurrent Obtain calls for the same key and
	// count into one generation. Off by default: duplicate generations under
	// load are an accepted cost, deduplication an opt-in.
	SingleFlight bool

	// SynthesisParallelism bounds concurrent audio synthesis per Obtain.
	SynthesisParallelism int

	// BatchSize and InterBatchDelay configure the persistence batcher.
	BatchSize       int
	InterBatchDelay time.Duration

	// Adaptive, when set, paces the persistence batcher from shared
	// feedback instead of the fixed delay.
	Adaptive *ratelimit.AdaptiveDelay
}

// Orchestrator is the sole public entry point of the cache core.
type Orchestrator struct {
	store  StoryStore
	gen    Generator
	audio  Attacher
	queue  *ratelimit.Queue
	batch  *ratelimit.BatchWriter[storage.Story]
	flight singleflight.Group

	singleFlight bool
	synthLimit   int
	logger       *slog.Logger
}

// New creates an Orchestrator. audio may be nil to disable narration. queue
// must be the process-wide queue for the backing store so concurrent callers
// share its admission control.
func New(store StoryStore, gen Generator, audio Attacher, queue *ratelimit.Queue, opts Options) *Orchestrator {
	if queue == nil {
		queue = ratelimit.NewQueue(0, 0)
	}
	synthLimit := opts.SynthesisParallelism
	if synthLimit <= 0 {
		synthLimit = 2
	}
	batchOpts := []ratelimit.BatchOption[storage.Story]{}
	if opts.BatchSize > 0 {
		batchOpts = append(batchOpts, ratelimit.WithBatchSize[storage.Story](opts.BatchSize))
	}
	if opts.InterBatchDelay > 0 {
		batchOpts = append(batchOpts, ratelimit.WithInterBatchDelay[storage.Story](opts.InterBatchDelay))
	}
	if opts.Adaptive != nil {
		batchOpts = append(batchOpts, ratelimit.WithBatchAdaptive[storage.Story](opts.Adaptive))
	}
	return &Orchestrator{
		store:        store,
		gen:          gen,
		audio:        audio,
		queue:        queue,
		batch:        ratelimit.NewBatchWriter(batchOpts...),
		singleFlight: opts.SingleFlight,
		synthLimit:   synthLimit,
		logger:       slog.Default(),
	}
}

// Obtain returns up to desired stories for the key: cached stories first,
// freshly generated ones appended. Generation, synthesis, and persistence
// failures shrink or strip the result but never fail a request that could
// assemble anything. Only a failed cache read is an error.
func (o *Orchestrator) Obtain(ctx context.Context, key storage.Key, desired int) ([]storage.Story, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("incomplete cache key %+v", key)
	}
	if desired <= 0 {
		return nil, nil
	}

	if o.singleFlight {
		v, err, _ := o.flight.Do(flightKey(key, desired), func() (any, error) {
			return o.obtain(ctx, key, desired)
		})
		if err != nil {
			return nil, err
		}
		return v.([]storage.Story), nil
	}
	return o.obtain(ctx, key, desired)
}

func (o *Orchestrator) obtain(ctx context.Context, key storage.Key, desired int) ([]storage.Story, error) {
	have, err := o.store.FetchStories(key, desired)
	if err != nil {
		return nil, fmt.Errorf("reading cache for %s: %w", key.String(), err)
	}
	if len(have) >= desired {
		return have, nil
	}

	// One generation attempt per call. A failed or short generation yields
	// whatever the cache had; the next call hits a warmer cache.
	deficit := desired - len(have)
	drafts, err := o.gen.Generate(ctx, key, deficit)
	if err != nil {
		o.logger.Warn("generation failed, serving cache only",
			"key", key.String(), "deficit", deficit, "error", err)
		return have, nil
	}

	fresh := o.assemble(key, drafts)
	if len(fresh) == 0 {
		return have, nil
	}

	if o.audio != nil {
		o.attachAudio(ctx, key, fresh)
	}
	o.persist(ctx, key, fresh)

	return append(have, fresh...), nil
}

// assemble stamps drafts with ids and the partition's key fields.
func (o *Orchestrator) assemble(key storage.Key, drafts []generator.Draft) []storage.Story {
	now := time.Now().UTC()
	fresh := make([]storage.Story, 0, len(drafts))
	for _, d := range drafts {
		fresh = append(fresh, storage.Story{
			ID:        uuid.New().String(),
			Headline:  d.Headline,
			Summary:   d.Summary,
			FullText:  d.FullText,
			Source:    d.Source,
			Category:  key.Category,
			Epoch:     key.Epoch,
			Language:  key.Language,
			Model:     key.Model,
			CreatedAt: now,
		})
	}
	return fresh
}

// attachAudio synthesizes narration for each fresh story with bounded
// parallelism. Skips are logged; the stories stay in the result regardless.
func (o *Orchestrator) attachAudio(ctx context.Context, key storage.Key, fresh []storage.Story) {
	g := new(errgroup.Group)
	g.SetLimit(o.synthLimit)
	for i := range fresh {
		g.Go(func() error {
			att := o.audio.Attach(ctx, fresh[i])
			if att.Status == synthesis.StatusAttached {
				fresh[i].AudioRef = att.AudioID
			} else {
				o.logger.Debug("audio skipped",
					"key", key.String(), "story_id", fresh[i].ID, "reason", att.Reason)
			}
			return nil
		})
	}
	g.Wait()
}

// persist pushes the fresh stories through the queue and batch writer.
// Exhausted retries drop durability for this batch, not visibility: the
// caller still gets the stories in memory.
func (o *Orchestrator) persist(ctx context.Context, key storage.Key, fresh []storage.Story) {
	err := o.queue.Do(ctx, func(ctx context.Context) error {
		return o.batch.WriteBatches(ctx, fresh, func(_ context.Context, chunk []storage.Story) error {
			return o.store.UpsertStories(chunk)
		})
	})
	if err != nil {
		o.logger.Warn("persisting stories failed, serving in-memory only",
			"key", key.String(), "count", len(fresh), "error", err)
	}
}

func flightKey(key storage.Key, desired int) string {
	return key.String() + "|" + strconv.Itoa(desired)
}
