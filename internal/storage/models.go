package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Key identifies a story partition. Two keys are equal only when all four
// fields match exactly; there is no wildcarding.
type Key struct {
	Category string
	Epoch    string
	Language string
	Model    string
}

// String renders the key in the canonical category-epoch-model-language order
// used by the surrounding tooling.
func (k Key) String() string {
	return fmt.Sprintf("%s-%s-%s-%s", k.Category, k.Epoch, k.Model, k.Language)
}

// Valid reports whether all four key fields are set.
func (k Key) Valid() bool {
	return k.Category != "" && k.Epoch != "" && k.Language != "" && k.Model != ""
}

// Story is a single cached narrative record. A story belongs to exactly one
// partition; its Category/Epoch/Language/Model fields always equal the
// partition's key fields.
type Story struct {
	ID       string
	Headline string
	Summary  string
	FullText string
	Source   string

	Category string
	Epoch    string
	Language string
	Model    string

	CreatedAt time.Time
	LastUsed  time.Time
	UseCount  int

	// AudioRef is the audio_assets.audio_id of the synthesized narration,
	// or empty when no audio is attached.
	AudioRef string
}

// Key returns the partition key the story belongs to.
func (s Story) Key() Key {
	return Key{Category: s.Category, Epoch: s.Epoch, Language: s.Language, Model: s.Model}
}

// AudioAsset is synthesized narration for a story, content-addressed by
// (story, language, voice) so re-synthesis overwrites instead of duplicating.
type AudioAsset struct {
	AudioID  string
	StoryID  string
	Language string
	Voice    string
	Audio    []byte

	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int
}

// AudioID derives the deterministic asset identifier for a
// (story, language, voice) triple.
func AudioID(storyID, language, voice string) string {
	return storyID + "_" + language + "_" + voice
}

// CategoryStats is the per-category breakdown inside Stats.
type CategoryStats struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// Stats summarizes cache contents.
type Stats struct {
	TotalStories int             `json:"total_stories"`
	TotalAudio   int             `json:"total_audio"`
	Categories   []CategoryStats `json:"categories"`
}
