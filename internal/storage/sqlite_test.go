package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testKey() Key {
	return Key{Category: "Technology", Epoch: "Modern", Language: "en", Model: "o4-mini"}
}

func testStory(id string, key Key) Story {
	return Story{
		ID:       id,
		Headline: "Headline " + id,
		Summary:  "Summary " + id,
		FullText: "Full text " + id,
		Source:   "generated",
		Category: key.Category,
		Epoch:    key.Epoch,
		Language: key.Language,
		Model:    key.Model,
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	var v1 int
	if err := s1.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&v1); err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	var v2 int
	if err := s2.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&v2); err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	if v1 == 0 || v1 != v2 {
		t.Errorf("migration count changed between opens: %d -> %d", v1, v2)
	}
}

func TestUpsertAndFetchStories(t *testing.T) {
	s := openTestStore(t)
	key := testKey()

	stories := []Story{testStory("a", key), testStory("b", key), testStory("c", key)}
	if err := s.UpsertStories(stories); err != nil {
		t.Fatalf("UpsertStories failed: %v", err)
	}

	got, err := s.FetchStories(key, 10)
	if err != nil {
		t.Fatalf("FetchStories failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 stories, got %d", len(got))
	}
	for _, st := range got {
		if st.Headline == "" || st.FullText == "" {
			t.Errorf("story %s missing content: %+v", st.ID, st)
		}
		if st.CreatedAt.IsZero() {
			t.Errorf("story %s missing created_at", st.ID)
		}
	}

	n, err := s.CountStories(key)
	if err != nil {
		t.Fatalf("CountStories failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected count 3, got %d", n)
	}
}

func TestFetchStoriesScopedToPartition(t *testing.T) {
	s := openTestStore(t)
	key := testKey()

	other := key
	other.Language = "es"
	if err := s.UpsertStories([]Story{testStory("en-1", key), testStory("es-1", other)}); err != nil {
		t.Fatalf("UpsertStories failed: %v", err)
	}

	got, err := s.FetchStories(key, 10)
	if err != nil {
		t.Fatalf("FetchStories failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "en-1" {
		t.Errorf("expected only the en story, got %+v", got)
	}
}

func TestUpsertRejectsInvalidStories(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpsertStories([]Story{{ID: "", Category: "x", Epoch: "y", Language: "en", Model: "m"}}); err == nil {
		t.Error("expected error for empty id")
	}

	incomplete := testStory("x", testKey())
	incomplete.Epoch = ""
	if err := s.UpsertStories([]Story{incomplete}); err == nil {
		t.Error("expected error for incomplete partition key")
	}

	if err := s.UpsertStories(nil); err != nil {
		t.Errorf("empty upsert should be a no-op, got %v", err)
	}
}

func TestUpsertOverwritesByIDPreservingUsage(t *testing.T) {
	s := openTestStore(t)
	key := testKey()

	if err := s.UpsertStories([]Story{testStory("a", key)}); err != nil {
		t.Fatalf("UpsertStories failed: %v", err)
	}
	// Bump usage via a fetch.
	if _, err := s.FetchStories(key, 1); err != nil {
		t.Fatalf("FetchStories failed: %v", err)
	}

	updated := testStory("a", key)
	updated.Headline = "Rewritten"
	if err := s.UpsertStories([]Story{updated}); err != nil {
		t.Fatalf("second UpsertStories failed: %v", err)
	}

	got, err := s.FetchStories(key, 10)
	if err != nil {
		t.Fatalf("FetchStories failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 story after overwrite, got %d", len(got))
	}
	if got[0].Headline != "Rewritten" {
		t.Errorf("headline not updated: %q", got[0].Headline)
	}
	if got[0].UseCount != 1 {
		t.Errorf("use_count reset by overwrite: %d", got[0].UseCount)
	}
}

func TestFetchStoriesRotatesLeastRecentlyUsedFirst(t *testing.T) {
	s := openTestStore(t)
	key := testKey()

	if err := s.UpsertStories([]Story{testStory("a", key), testStory("b", key)}); err != nil {
		t.Fatalf("UpsertStories failed: %v", err)
	}

	first, err := s.FetchStories(key, 1)
	if err != nil {
		t.Fatalf("first FetchStories failed: %v", err)
	}
	second, err := s.FetchStories(key, 1)
	if err != nil {
		t.Fatalf("second FetchStories failed: %v", err)
	}

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected 1 story per fetch, got %d and %d", len(first), len(second))
	}
	if first[0].ID == second[0].ID {
		t.Errorf("fetched the same story twice in a row; used stories should sink")
	}
}

func TestSetAudioRef(t *testing.T) {
	s := openTestStore(t)
	key := testKey()

	if err := s.UpsertStories([]Story{testStory("a", key)}); err != nil {
		t.Fatalf("UpsertStories failed: %v", err)
	}

	ref := AudioID("a", "en", "alloy")
	if err := s.SetAudioRef("a", ref); err != nil {
		t.Fatalf("SetAudioRef failed: %v", err)
	}

	got, err := s.FetchStories(key, 1)
	if err != nil {
		t.Fatalf("FetchStories failed: %v", err)
	}
	if got[0].AudioRef != ref {
		t.Errorf("expected audio_ref %q, got %q", ref, got[0].AudioRef)
	}

	if err := s.SetAudioRef("missing", ref); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown story, got %v", err)
	}
}

func TestAttachAudioIdempotent(t *testing.T) {
	s := openTestStore(t)

	asset := AudioAsset{
		AudioID:  AudioID("story-1", "en", "alloy"),
		StoryID:  "story-1",
		Language: "en",
		Voice:    "alloy",
		Audio:    []byte("mp3-v1"),
	}
	if err := s.AttachAudio(asset); err != nil {
		t.Fatalf("first AttachAudio failed: %v", err)
	}

	asset.Audio = []byte("mp3-v2")
	if err := s.AttachAudio(asset); err != nil {
		t.Fatalf("second AttachAudio failed: %v", err)
	}

	stats, err := s.CacheStats()
	if err != nil {
		t.Fatalf("CacheStats failed: %v", err)
	}
	if stats.TotalAudio != 1 {
		t.Errorf("expected 1 audio asset after re-attach, got %d", stats.TotalAudio)
	}

	audio, err := s.FetchAudio("story-1", "en", "alloy")
	if err != nil {
		t.Fatalf("FetchAudio failed: %v", err)
	}
	if string(audio) != "mp3-v2" {
		t.Errorf("expected overwritten audio, got %q", audio)
	}
}

func TestAttachAudioRequiresID(t *testing.T) {
	s := openTestStore(t)
	if err := s.AttachAudio(AudioAsset{StoryID: "s"}); err == nil {
		t.Error("expected error for empty audio_id")
	}
}

func TestFetchAudioNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.FetchAudio("missing", "en", "alloy"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchAudioBumpsAccessStats(t *testing.T) {
	s := openTestStore(t)

	asset := AudioAsset{
		AudioID: AudioID("s", "en", "alloy"),
		StoryID: "s", Language: "en", Voice: "alloy",
		Audio: []byte("mp3"),
	}
	if err := s.AttachAudio(asset); err != nil {
		t.Fatalf("AttachAudio failed: %v", err)
	}
	if _, err := s.FetchAudio("s", "en", "alloy"); err != nil {
		t.Fatalf("FetchAudio failed: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT access_count FROM audio_assets WHERE audio_id = ?`, asset.AudioID).Scan(&count); err != nil {
		t.Fatalf("querying access_count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected access_count 1, got %d", count)
	}
}

func TestCacheStats(t *testing.T) {
	s := openTestStore(t)
	key := testKey()

	science := key
	science.Category = "Science"
	if err := s.UpsertStories([]Story{
		testStory("t1", key), testStory("t2", key), testStory("s1", science),
	}); err != nil {
		t.Fatalf("UpsertStories failed: %v", err)
	}

	stats, err := s.CacheStats()
	if err != nil {
		t.Fatalf("CacheStats failed: %v", err)
	}
	if stats.TotalStories != 3 {
		t.Errorf("expected 3 stories, got %d", stats.TotalStories)
	}
	if len(stats.Categories) != 2 {
		t.Fatalf("expected 2 categories, got %+v", stats.Categories)
	}
	if stats.Categories[0].Category != "Technology" || stats.Categories[0].Count != 2 {
		t.Errorf("expected Technology first with 2, got %+v", stats.Categories[0])
	}
}

func TestClearOldStories(t *testing.T) {
	s := openTestStore(t)
	key := testKey()

	old := testStory("old", key)
	old.CreatedAt = time.Now().UTC().Add(-31 * 24 * time.Hour)
	fresh := testStory("fresh", key)
	if err := s.UpsertStories([]Story{old, fresh}); err != nil {
		t.Fatalf("UpsertStories failed: %v", err)
	}

	removed, err := s.ClearOldStories(30 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("ClearOldStories failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 story removed, got %d", removed)
	}

	got, err := s.FetchStories(key, 10)
	if err != nil {
		t.Fatalf("FetchStories failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "fresh" {
		t.Errorf("expected only the fresh story to survive, got %+v", got)
	}
}

func TestExpireAudio(t *testing.T) {
	s := openTestStore(t)

	old := AudioAsset{
		AudioID: AudioID("old", "en", "alloy"),
		StoryID: "old", Language: "en", Voice: "alloy",
		Audio:     []byte("mp3"),
		CreatedAt: time.Now().UTC().Add(-31 * 24 * time.Hour),
	}
	fresh := AudioAsset{
		AudioID: AudioID("fresh", "en", "alloy"),
		StoryID: "fresh", Language: "en", Voice: "alloy",
		Audio: []byte("mp3"),
	}
	if err := s.AttachAudio(old); err != nil {
		t.Fatalf("AttachAudio(old) failed: %v", err)
	}
	if err := s.AttachAudio(fresh); err != nil {
		t.Fatalf("AttachAudio(fresh) failed: %v", err)
	}

	removed, err := s.ExpireAudio(30 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("ExpireAudio failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 asset removed, got %d", removed)
	}
	if _, err := s.FetchAudio("old", "en", "alloy"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired audio gone, got %v", err)
	}
	if _, err := s.FetchAudio("fresh", "en", "alloy"); err != nil {
		t.Errorf("fresh audio should survive: %v", err)
	}
}

func TestKeyStringAndValid(t *testing.T) {
	key := testKey()
	want := fmt.Sprintf("%s-%s-%s-%s", key.Category, key.Epoch, key.Model, key.Language)
	if key.String() != want {
		t.Errorf("Key.String() = %q, want %q", key.String(), want)
	}
	if !key.Valid() {
		t.Error("complete key should be valid")
	}

	incomplete := key
	incomplete.Category = ""
	if incomplete.Valid() {
		t.Error("key with empty category should be invalid")
	}
}

func TestAudioIDFormat(t *testing.T) {
	if got := AudioID("abc", "en", "alloy"); got != "abc_en_alloy" {
		t.Errorf("AudioID = %q, want abc_en_alloy", got)
	}
}
