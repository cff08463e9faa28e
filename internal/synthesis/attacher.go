package synthesis

import (
	"context"
	"log/slog"
	"time"

	"github.com/orbgame/storycache/internal/ratelimit"
	"github.com/orbgame/storycache/internal/storage"
)

// Status says what happened to an attachment attempt.
type Status string

const (
	// StatusAttached means audio was synthesized and durably stored.
	StatusAttached Status = "attached"
	// StatusSkipped means the story proceeds without audio; Reason says why.
	StatusSkipped Status = "skipped"
)

// Attachment is the tagged outcome of one attachment attempt. Callers can
// tell "no audio because synthesis failed" apart from "no audio requested".
type Attachment struct {
	Status  Status
	AudioID string
	Reason  string
}

// Synthesizer converts text to audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, language, voice string) ([]byte, error)
}

// AudioStore persists synthesized assets.
type AudioStore interface {
	AttachAudio(asset storage.AudioAsset) error
}

// Attacher runs the audio pipeline for one story: synthesize, then persist
// through the retrying writer. Every failure is non-fatal to the story.
type Attacher struct {
	synth  Synthesizer
	store  AudioStore
	writer *ratelimit.Writer
	voice  string
	logger *slog.Logger
}

// NewAttacher creates an Attacher using voice for all synthesis. A nil
// writer gets the default retry policy.
func NewAttacher(synth Synthesizer, store AudioStore, writer *ratelimit.Writer, voice string) *Attacher {
	if writer == nil {
		writer = ratelimit.NewWriter()
	}
	return &Attacher{
		synth:  synth,
		store:  store,
		writer: writer,
		voice:  voice,
		logger: slog.Default(),
	}
}

// Voice returns the voice used for synthesis.
func (a *Attacher) Voice() string { return a.voice }

// Attach synthesizes narration for the story and stores it content-addressed
// by (story, language, voice). It never returns an error: a failed synthesis
// or store write yields a Skipped attachment and the story stays audio-less.
func (a *Attacher) Attach(ctx context.Context, story storage.Story) Attachment {
	audio, err := a.synth.Synthesize(ctx, story.FullText, story.Language, a.voice)
	if err != nil {
		a.logger.Warn("audio synthesis failed", "story_id", story.ID, "error", err)
		return Attachment{Status: StatusSkipped, Reason: "synthesis: " + err.Error()}
	}

	asset := storage.AudioAsset{
		AudioID:   storage.AudioID(story.ID, story.Language, a.voice),
		StoryID:   story.ID,
		Language:  story.Language,
		Voice:     a.voice,
		Audio:     audio,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.writer.Write(ctx, func(context.Context) error {
		return a.store.AttachAudio(asset)
	}); err != nil {
		a.logger.Warn("audio store write failed", "audio_id", asset.AudioID, "error", err)
		return Attachment{Status: StatusSkipped, Reason: "store: " + err.Error()}
	}

	return Attachment{Status: StatusAttached, AudioID: asset.AudioID}
}
