package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/orbgame/storycache/internal/storage"
)

// StoryProvider abstracts cache-or-generate story retrieval for the API
// layer.
type StoryProvider interface {
	Obtain(ctx context.Context, key storage.Key, desired int) ([]storage.Story, error)
}

type Deps struct {
	Store        *storage.Store
	Provider     StoryProvider
	Token        string
	DefaultModel string
	DefaultVoice string
	DefaultCount int
	MaxCount     int
	StoryTTL     time.Duration
	AudioTTL     time.Duration
}

func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Get("/stories", handleStories(deps))
	r.Get("/audio/{storyID}", handleAudio(deps))

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(BearerAuth(deps.Token))
		admin.Get("/stats", handleStats(deps))
		admin.Get("/stories", handleCachedStories(deps))
		admin.Post("/cleanup", handleCleanup(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func keyFromQuery(r *http.Request, defaultModel string) storage.Key {
	q := r.URL.Query()
	key := storage.Key{
		Category: q.Get("category"),
		Epoch:    q.Get("epoch"),
		Language: q.Get("language"),
		Model:    q.Get("model"),
	}
	if key.Language == "" {
		key.Language = "en"
	}
	if key.Model == "" {
		key.Model = defaultModel
	}
	return key
}

func handleStories(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := keyFromQuery(r, deps.DefaultModel)
		if !key.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "category and epoch are required")
			return
		}

		count := parseIntParam(r, "count", deps.DefaultCount, deps.MaxCount)
		if count <= 0 {
			count = deps.DefaultCount
		}

		stories, err := deps.Provider.Obtain(r.Context(), key, count)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to obtain stories: %v", err)
			return
		}
		if stories == nil {
			stories = []storage.Story{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stories)
	}
}

// handleCachedStories returns whatever the cache holds for a key without
// triggering generation.
func handleCachedStories(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := keyFromQuery(r, deps.DefaultModel)
		if !key.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "category and epoch are required")
			return
		}

		limit := parseIntParam(r, "limit", 20, 100)
		stories, err := deps.Store.FetchStories(key, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to fetch stories: %v", err)
			return
		}
		if stories == nil {
			stories = []storage.Story{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stories)
	}
}

func handleAudio(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storyID := chi.URLParam(r, "storyID")
		language := r.URL.Query().Get("language")
		if language == "" {
			language = "en"
		}
		voice := r.URL.Query().Get("voice")
		if voice == "" {
			voice = deps.DefaultVoice
		}

		audio, err := deps.Store.FetchAudio(storyID, language, voice)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "audio not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to fetch audio: %v", err)
			return
		}

		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
		w.Write(audio)
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.CacheStats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute stats: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

func handleCleanup(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storyTTL, audioTTL := deps.StoryTTL, deps.AudioTTL

		// Optional body overrides the configured TTLs for a one-off sweep.
		var body struct {
			OlderThanDays int `json:"older_than_days"`
		}
		if r.Body != nil {
			if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.OlderThanDays > 0 {
				override := time.Duration(body.OlderThanDays) * 24 * time.Hour
				storyTTL, audioTTL = override, override
			}
		}

		// A non-positive TTL disables that sweep rather than matching
		// every record.
		var stories, audio int64
		var err error
		if storyTTL > 0 {
			stories, err = deps.Store.ClearOldStories(storyTTL)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to clear old stories: %v", err)
				return
			}
		}
		if audioTTL > 0 {
			audio, err = deps.Store.ExpireAudio(audioTTL)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to expire audio: %v", err)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{
			"stories_removed": stories,
			"audio_removed":   audio,
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
