package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orbgame/storycache/internal/generator"
	"github.com/orbgame/storycache/internal/ratelimit"
	"github.com/orbgame/storycache/internal/storage"
	"github.com/orbgame/storycache/internal/synthesis"
)

type mockStore struct {
	mu       sync.Mutex
	fetchFn  func(key storage.Key, limit int) ([]storage.Story, error)
	upsertFn func(stories []storage.Story) error
	upserted [][]storage.Story
}

func (m *mockStore) FetchStories(key storage.Key, limit int) ([]storage.Story, error) {
	return m.fetchFn(key, limit)
}

func (m *mockStore) UpsertStories(stories []storage.Story) error {
	if m.upsertFn != nil {
		if err := m.upsertFn(stories); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.upserted = append(m.upserted, append([]storage.Story(nil), stories...))
	m.mu.Unlock()
	return nil
}

func (m *mockStore) upsertedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, batch := range m.upserted {
		n += len(batch)
	}
	return n
}

type mockGen struct {
	fn    func(ctx context.Context, key storage.Key, count int) ([]generator.Draft, error)
	calls atomic.Int32
}

func (m *mockGen) Generate(ctx context.Context, key storage.Key, count int) ([]generator.Draft, error) {
	m.calls.Add(1)
	return m.fn(ctx, key, count)
}

type mockAttacher struct {
	fn func(ctx context.Context, story storage.Story) synthesis.Attachment
}

func (m *mockAttacher) Attach(ctx context.Context, story storage.Story) synthesis.Attachment {
	return m.fn(ctx, story)
}

func instantSleep(ctx context.Context, d time.Duration) error { return nil }

func testQueue() *ratelimit.Queue {
	w := ratelimit.NewWriter(
		ratelimit.WithSleep(instantSleep),
		ratelimit.WithJitter(func() time.Duration { return 0 }),
	)
	return ratelimit.NewQueue(1, time.Millisecond,
		ratelimit.WithQueueSleep(instantSleep),
		ratelimit.WithQueueWriter(w),
	)
}

func testKey() storage.Key {
	return storage.Key{Category: "Technology", Epoch: "Modern", Language: "en", Model: "o4-mini"}
}

func cachedStories(key storage.Key, n int) []storage.Story {
	stories := make([]storage.Story, n)
	for i := range stories {
		stories[i] = storage.Story{
			ID:       fmt.Sprintf("cached-%d", i),
			Headline: fmt.Sprintf("Cached %d", i),
			FullText: "text",
			Category: key.Category, Epoch: key.Epoch, Language: key.Language, Model: key.Model,
		}
	}
	return stories
}

func drafts(n int) []generator.Draft {
	ds := make([]generator.Draft, n)
	for i := range ds {
		ds[i] = generator.Draft{
			Headline: fmt.Sprintf("Fresh %d", i),
			Summary:  "summary",
			FullText: "full text",
			Source:   "AI",
		}
	}
	return ds
}

func TestObtainServesCacheWithoutGenerating(t *testing.T) {
	key := testKey()
	store := &mockStore{fetchFn: func(k storage.Key, limit int) ([]storage.Story, error) {
		return cachedStories(k, 3), nil
	}}
	gen := &mockGen{fn: func(ctx context.Context, k storage.Key, count int) ([]generator.Draft, error) {
		return nil, errors.New("should not be called")
	}}
	o := New(store, gen, nil, testQueue(), Options{})

	got, err := o.Obtain(context.Background(), key, 3)
	if err != nil {
		t.Fatalf("Obtain failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 stories, got %d", len(got))
	}
	if gen.calls.Load() != 0 {
		t.Errorf("cache hit must not generate, got %d calls", gen.calls.Load())
	}
	if store.upsertedCount() != 0 {
		t.Errorf("cache hit must not write, got %d", store.upsertedCount())
	}
}

func TestObtainGeneratesExactlyTheDeficit(t *testing.T) {
	key := testKey()
	store := &mockStore{fetchFn: func(k storage.Key, limit int) ([]storage.Story, error) {
		return cachedStories(k, 1), nil
	}}
	var askedFor int
	gen := &mockGen{fn: func(ctx context.Context, k storage.Key, count int) ([]generator.Draft, error) {
		askedFor = count
		return drafts(count), nil
	}}
	o := New(store, gen, nil, testQueue(), Options{})

	got, err := o.Obtain(context.Background(), key, 3)
	if err != nil {
		t.Fatalf("Obtain failed: %v", err)
	}
	if askedFor != 2 {
		t.Errorf("expected generation of 2 (deficit), got %d", askedFor)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 stories, got %d", len(got))
	}
	if got[0].ID != "cached-0" {
		t.Errorf("cached stories must come first, got %+v", got[0])
	}
	for _, st := range got[1:] {
		if st.ID == "" {
			t.Error("fresh story missing id")
		}
		if st.Category != key.Category || st.Epoch != key.Epoch || st.Language != key.Language || st.Model != key.Model {
			t.Errorf("fresh story missing partition fields: %+v", st)
		}
		if st.CreatedAt.IsZero() {
			t.Error("fresh story missing created_at")
		}
	}
	if store.upsertedCount() != 2 {
		t.Errorf("expected 2 fresh stories persisted, got %d", store.upsertedCount())
	}
}

func TestObtainEmptyCacheGeneratesAndNarrates(t *testing.T) {
	key := testKey()
	store := &mockStore{fetchFn: func(k storage.Key, limit int) ([]storage.Story, error) {
		return nil, nil
	}}
	gen := &mockGen{fn: func(ctx context.Context, k storage.Key, count int) ([]generator.Draft, error) {
		return drafts(count), nil
	}}
	audio := &mockAttacher{fn: func(ctx context.Context, story storage.Story) synthesis.Attachment {
		return synthesis.Attachment{
			Status:  synthesis.StatusAttached,
			AudioID: storage.AudioID(story.ID, story.Language, "alloy"),
		}
	}}
	o := New(store, gen, audio, testQueue(), Options{})

	got, err := o.Obtain(context.Background(), key, 3)
	if err != nil {
		t.Fatalf("Obtain failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 stories, got %d", len(got))
	}
	for _, st := range got {
		if st.AudioRef == "" {
			t.Errorf("story %s missing audio ref", st.ID)
		}
	}
	// Persisted stories carry their audio refs too.
	if store.upsertedCount() != 3 {
		t.Fatalf("expected 3 stories persisted, got %d", store.upsertedCount())
	}
	for _, batch := range store.upserted {
		for _, st := range batch {
			if st.AudioRef == "" {
				t.Errorf("persisted story %s missing audio ref", st.ID)
			}
		}
	}
}

func TestObtainSkippedAudioKeepsStory(t *testing.T) {
	key := testKey()
	store := &mockStore{fetchFn: func(k storage.Key, limit int) ([]storage.Story, error) {
		return nil, nil
	}}
	gen := &mockGen{fn: func(ctx context.Context, k storage.Key, count int) ([]generator.Draft, error) {
		return drafts(count), nil
	}}
	audio := &mockAttacher{fn: func(ctx context.Context, story storage.Story) synthesis.Attachment {
		return synthesis.Attachment{Status: synthesis.StatusSkipped, Reason: "synthesis: engine down"}
	}}
	o := New(store, gen, audio, testQueue(), Options{})

	got, err := o.Obtain(context.Background(), key, 2)
	if err != nil {
		t.Fatalf("Obtain failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 stories despite skipped audio, got %d", len(got))
	}
	for _, st := range got {
		if st.AudioRef != "" {
			t.Errorf("skipped story should have no audio ref, got %q", st.AudioRef)
		}
	}
}

func TestObtainGenerationFailureServesCacheOnly(t *testing.T) {
	key := testKey()
	store := &mockStore{fetchFn: func(k storage.Key, limit int) ([]storage.Story, error) {
		return cachedStories(k, 2), nil
	}}
	gen := &mockGen{fn: func(ctx context.Context, k storage.Key, count int) ([]generator.Draft, error) {
		return nil, errors.New("upstream down")
	}}
	o := New(store, gen, nil, testQueue(), Options{})

	got, err := o.Obtain(context.Background(), key, 5)
	if err != nil {
		t.Fatalf("generation failure must not fail the request: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected the 2 cached stories, got %d", len(got))
	}
	if gen.calls.Load() != 1 {
		t.Errorf("expected exactly one generation attempt, got %d", gen.calls.Load())
	}
}

func TestObtainShortGenerationIsNotRetried(t *testing.T) {
	key := testKey()
	store := &mockStore{fetchFn: func(k storage.Key, limit int) ([]storage.Story, error) {
		return nil, nil
	}}
	gen := &mockGen{fn: func(ctx context.Context, k storage.Key, count int) ([]generator.Draft, error) {
		return drafts(1), nil
	}}
	o := New(store, gen, nil, testQueue(), Options{})

	got, err := o.Obtain(context.Background(), key, 3)
	if err != nil {
		t.Fatalf("Obtain failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected the 1 draft that came back, got %d", len(got))
	}
	if gen.calls.Load() != 1 {
		t.Errorf("short generation must not trigger another call, got %d", gen.calls.Load())
	}
}

func TestObtainPersistenceFailureStillServesStories(t *testing.T) {
	key := testKey()
	store := &mockStore{
		fetchFn: func(k storage.Key, limit int) ([]storage.Story, error) {
			return nil, nil
		},
		upsertFn: func(stories []storage.Story) error {
			return storage.RateLimited(errors.New("database is locked"))
		},
	}
	gen := &mockGen{fn: func(ctx context.Context, k storage.Key, count int) ([]generator.Draft, error) {
		return drafts(count), nil
	}}
	o := New(store, gen, nil, testQueue(), Options{})

	got, err := o.Obtain(context.Background(), key, 3)
	if err != nil {
		t.Fatalf("persistence failure must not fail the request: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 in-memory stories, got %d", len(got))
	}
}

func TestObtainCacheReadErrorPropagates(t *testing.T) {
	boom := errors.New("disk failure")
	store := &mockStore{fetchFn: func(k storage.Key, limit int) ([]storage.Story, error) {
		return nil, boom
	}}
	gen := &mockGen{fn: func(ctx context.Context, k storage.Key, count int) ([]generator.Draft, error) {
		return nil, nil
	}}
	o := New(store, gen, nil, testQueue(), Options{})

	if _, err := o.Obtain(context.Background(), testKey(), 3); !errors.Is(err, boom) {
		t.Errorf("expected cache read error, got %v", err)
	}
}

func TestObtainRejectsIncompleteKey(t *testing.T) {
	store := &mockStore{fetchFn: func(k storage.Key, limit int) ([]storage.Story, error) {
		return nil, nil
	}}
	gen := &mockGen{fn: func(ctx context.Context, k storage.Key, count int) ([]generator.Draft, error) {
		return nil, nil
	}}
	o := New(store, gen, nil, testQueue(), Options{})

	key := testKey()
	key.Epoch = ""
	if _, err := o.Obtain(context.Background(), key, 3); err == nil {
		t.Error("expected error for incomplete key")
	}
}

func TestObtainZeroDesired(t *testing.T) {
	store := &mockStore{fetchFn: func(k storage.Key, limit int) ([]storage.Story, error) {
		t.Error("no fetch expected for desired <= 0")
		return nil, nil
	}}
	gen := &mockGen{fn: func(ctx context.Context, k storage.Key, count int) ([]generator.Draft, error) {
		return nil, nil
	}}
	o := New(store, gen, nil, testQueue(), Options{})

	got, err := o.Obtain(context.Background(), testKey(), 0)
	if err != nil || got != nil {
		t.Errorf("expected (nil, nil) for zero desired, got (%v, %v)", got, err)
	}
}

func TestObtainSingleFlightCollapsesConcurrentCalls(t *testing.T) {
	key := testKey()
	store := &mockStore{fetchFn: func(k storage.Key, limit int) ([]storage.Story, error) {
		return nil, nil
	}}

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gen := &mockGen{}
	gen.fn = func(ctx context.Context, k storage.Key, count int) ([]generator.Draft, error) {
		once.Do(func() { close(started) })
		<-release
		return drafts(count), nil
	}
	o := New(store, gen, nil, testQueue(), Options{SingleFlight: true})

	var wg sync.WaitGroup
	results := make([]int, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := o.Obtain(context.Background(), key, 3)
			if err != nil {
				t.Errorf("Obtain failed: %v", err)
			}
			results[i] = len(got)
		}()
	}

	<-started
	// Give the second caller time to join the in-flight generation.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if gen.calls.Load() != 1 {
		t.Errorf("expected one shared generation, got %d", gen.calls.Load())
	}
	for i, n := range results {
		if n != 3 {
			t.Errorf("caller %d: expected 3 stories, got %d", i, n)
		}
	}
}
