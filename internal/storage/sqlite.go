package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the persistent story/audio cache backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "storycache.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, logger: slog.Default()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for tests and admin tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Stories ---

const storyColumns = `id, headline, summary, full_text, source, category, epoch, language, model, created_at, last_used, use_count, audio_ref`

// CountStories returns the number of stories stored for the partition.
func (s *Store) CountStories(key Key) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM stories
		WHERE category = ? AND epoch = ? AND language = ? AND model = ?`,
		key.Category, key.Epoch, key.Language, key.Model,
	).Scan(&n)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// FetchStories returns up to limit stories for the partition, least-recently
// and least-often used first, so repeated fetches spread load across the
// partition's records. Returned stories get their usage stats bumped
// best-effort; a failed bump is logged and never fails the read.
func (s *Store) FetchStories(key Key, limit int) ([]Story, error) {
	rows, err := s.db.Query(`
		SELECT `+storyColumns+` FROM stories
		WHERE category = ? AND epoch = ? AND language = ? AND model = ?
		ORDER BY last_used ASC, use_count ASC
		LIMIT ?`,
		key.Category, key.Epoch, key.Language, key.Model, limit,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var stories []Story
	for rows.Next() {
		st, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		stories = append(stories, st)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	if len(stories) > 0 {
		if err := s.bumpUsage(stories); err != nil {
			s.logger.Warn("usage stat update failed", "key", key.String(), "error", err)
		}
	}
	return stories, nil
}

func (s *Store) bumpUsage(stories []Story) error {
	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(stories)-1)
	args := make([]any, 0, len(stories)+1)
	args = append(args, now)
	for _, st := range stories {
		args = append(args, st.ID)
	}
	_, err := s.db.Exec(`UPDATE stories SET use_count = use_count + 1, last_used = ? WHERE id IN (?`+placeholders+`)`, args...)
	return err
}

// UpsertStories writes the given stories, overwriting by id. All stories must
// carry a complete partition key; the write is rejected otherwise.
func (s *Store) UpsertStories(stories []Story) error {
	if len(stories) == 0 {
		return nil
	}
	for _, st := range stories {
		if st.ID == "" {
			return fmt.Errorf("story with empty id")
		}
		if !st.Key().Valid() {
			return fmt.Errorf("story %s: incomplete partition key %+v", st.ID, st.Key())
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	for _, st := range stories {
		createdAt := st.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		lastUsed := ""
		if !st.LastUsed.IsZero() {
			lastUsed = st.LastUsed.UTC().Format(time.RFC3339)
		}
		_, err := tx.Exec(`
			INSERT INTO stories (`+storyColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				headline = excluded.headline,
				summary = excluded.summary,
				full_text = excluded.full_text,
				source = excluded.source,
				category = excluded.category,
				epoch = excluded.epoch,
				language = excluded.language,
				model = excluded.model,
				audio_ref = excluded.audio_ref`,
			st.ID, st.Headline, st.Summary, st.FullText, st.Source,
			st.Category, st.Epoch, st.Language, st.Model,
			createdAt.UTC().Format(time.RFC3339), lastUsed, st.UseCount, st.AudioRef,
		)
		if err != nil {
			return classify(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// SetAudioRef records the audio reference on an already stored story.
func (s *Store) SetAudioRef(storyID, audioRef string) error {
	res, err := s.db.Exec(`UPDATE stories SET audio_ref = ? WHERE id = ?`, audioRef, storyID)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStory(row rowScanner) (Story, error) {
	var st Story
	var createdAt, lastUsed string
	err := row.Scan(
		&st.ID, &st.Headline, &st.Summary, &st.FullText, &st.Source,
		&st.Category, &st.Epoch, &st.Language, &st.Model,
		&createdAt, &lastUsed, &st.UseCount, &st.AudioRef,
	)
	if err != nil {
		return Story{}, classify(err)
	}
	if st.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Story{}, fmt.Errorf("parsing created_at for story %s: %w", st.ID, err)
	}
	if lastUsed != "" {
		if st.LastUsed, err = time.Parse(time.RFC3339, lastUsed); err != nil {
			return Story{}, fmt.Errorf("parsing last_used for story %s: %w", st.ID, err)
		}
	}
	return st, nil
}

// --- Audio ---

// AttachAudio stores synthesized narration, overwriting by audio_id so
// re-synthesis for the same (story, language, voice) is idempotent.
func (s *Store) AttachAudio(asset AudioAsset) error {
	if asset.AudioID == "" {
		return fmt.Errorf("audio asset with empty audio_id")
	}
	createdAt := asset.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO audio_assets (audio_id, story_id, language, voice, audio, created_at, last_accessed, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(audio_id) DO UPDATE SET
			audio = excluded.audio,
			created_at = excluded.created_at`,
		asset.AudioID, asset.StoryID, asset.Language, asset.Voice, asset.Audio,
		createdAt.UTC().Format(time.RFC3339), createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return classify(err)
	}
	return nil
}

// FetchAudio returns the narration bytes for (storyID, language, voice), or
// ErrNotFound. Access stats are bumped best-effort.
func (s *Store) FetchAudio(storyID, language, voice string) ([]byte, error) {
	audioID := AudioID(storyID, language, voice)

	var audio []byte
	err := s.db.QueryRow(`SELECT audio FROM audio_assets WHERE audio_id = ?`, audioID).Scan(&audio)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.Exec(`
		UPDATE audio_assets SET access_count = access_count + 1, last_accessed = ? WHERE audio_id = ?`,
		now, audioID,
	); err != nil {
		s.logger.Warn("audio access stat update failed", "audio_id", audioID, "error", err)
	}

	return audio, nil
}

// --- Administration ---

// CacheStats returns totals and a per-category breakdown.
func (s *Store) CacheStats() (Stats, error) {
	var stats Stats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM stories`).Scan(&stats.TotalStories); err != nil {
		return Stats{}, classify(err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM audio_assets`).Scan(&stats.TotalAudio); err != nil {
		return Stats{}, classify(err)
	}

	rows, err := s.db.Query(`
		SELECT category, COUNT(*) FROM stories
		GROUP BY category ORDER BY COUNT(*) DESC, category ASC`)
	if err != nil {
		return Stats{}, classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var cs CategoryStats
		if err := rows.Scan(&cs.Category, &cs.Count); err != nil {
			return Stats{}, err
		}
		stats.Categories = append(stats.Categories, cs)
	}
	return stats, rows.Err()
}

// ClearOldStories deletes stories older than the given age and returns how
// many were removed.
func (s *Store) ClearOldStories(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	res, err := s.db.Exec(`DELETE FROM stories WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

// ExpireAudio deletes audio assets older than ttl and returns how many were
// removed. Age is measured from creation, not last access.
func (s *Store) ExpireAudio(ttl time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl).Format(time.RFC3339)
	res, err := s.db.Exec(`DELETE FROM audio_assets WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}
