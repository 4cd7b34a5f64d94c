// Package catalog is the durable metadata store of the audio cache: one
// SQLite row per artifact, plus observability counters. It owns the schema,
// its migrations, and the uniqueness invariant over
// (text_normalized, voice_id, version_num).
//
// The database runs in WAL mode and all mutations are synchronously durable
// before the call returns. A single *sql.DB connection pool is safe for
// concurrent use.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrDuplicateEntry is returned by [DB.AddEntry] when a row with the same
// (text_normalized, voice_id, version_num) already exists. The request
// pipeline converts it into a hit on the existing row.
var ErrDuplicateEntry = errors.New("catalog: duplicate cache entry")

// Entry is one catalog row.
type Entry struct {
	ID             int64
	TextOriginal   string
	TextNormalized string
	VoiceID        string
	Model          string
	AudioPath      string
	AudioFormat    string
	FileSize       int64
	HitCount       int64
	IsFiller       bool
	VersionNum     int
}

// AddParams carries the fields for a new row. Zero values are acceptable for
// Model, FileSize, and IsFiller; VersionNum defaults to 1.
type AddParams struct {
	TextOriginal   string
	TextNormalized string
	VoiceID        string
	Model          string
	AudioPath      string
	AudioFormat    string
	FileSize       int64
	IsFiller       bool
	VersionNum     int
}

// Candidate is an eviction candidate: the row id plus everything needed to
// unlink the artifact and update the hot index.
type Candidate struct {
	ID             int64
	AudioPath      string
	TextNormalized string
	VoiceID        string
}

// Stats aggregates catalog counters for the stats endpoint.
type Stats struct {
	TotalEntries    int64
	TotalSizeBytes  int64
	TotalHits       int64
	TotalMisses     int64
	FillerCount     int64
	CacheAgeSeconds int64
	PerVoice        map[string]int64
}

// DB is the SQLite-backed catalog.
type DB struct {
	db   *sql.DB
	path string
}

// Open creates (or opens) the catalog at path, enables WAL mode, and runs
// any pending schema migrations. The parent directory is created if needed.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("catalog: create dir %q: %w", dir, err)
		}
	}

	dsn := "file:" + url.PathEscape(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %q: %w", path, err)
	}
	// SQLite allows a single writer; serialising through one connection
	// avoids SQLITE_BUSY churn under concurrent request load.
	db.SetMaxOpenConns(1)

	c := &DB{db: db, path: path}
	if err := c.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the underlying database.
func (c *DB) Close() error {
	return c.db.Close()
}

// Ping verifies the database is reachable. Used by readiness checks.
func (c *DB) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// AddEntry inserts one row and returns its id. Fails with
// [ErrDuplicateEntry] when the (fingerprint, voice, version) key is taken.
func (c *DB) AddEntry(ctx context.Context, p AddParams) (int64, error) {
	if p.VersionNum < 1 {
		p.VersionNum = 1
	}
	if p.AudioFormat == "" {
		p.AudioFormat = "mp3"
	}
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_entries
			(text_original, text_normalized, voice_id, model, audio_path,
			 audio_format, file_size, is_filler, version_num)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.TextOriginal, p.TextNormalized, p.VoiceID, p.Model, p.AudioPath,
		p.AudioFormat, p.FileSize, boolToInt(p.IsFiller), p.VersionNum,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateEntry
		}
		return 0, fmt.Errorf("catalog: add entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("catalog: add entry id: %w", err)
	}
	return id, nil
}

// RecordHit increments hit_count and refreshes last_hit_at. version 0 updates
// every version of the key; a positive version targets a single row.
func (c *DB) RecordHit(ctx context.Context, normalized, voice string, version int) error {
	query := `UPDATE cache_entries
		SET hit_count = hit_count + 1, last_hit_at = CURRENT_TIMESTAMP
		WHERE text_normalized = ? AND voice_id = ?`
	args := []any{normalized, voice}
	if version > 0 {
		query += ` AND version_num = ?`
		args = append(args, version)
	}
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("catalog: record hit: %w", err)
	}
	return nil
}

// RecordMiss bumps the observability-only miss counter.
func (c *DB) RecordMiss(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_counters (name, value) VALUES ('misses', 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1`)
	if err != nil {
		return fmt.Errorf("catalog: record miss: %w", err)
	}
	return nil
}

// VersionCount counts existing versions of a (fingerprint, voice) key. The
// store uses it to pick the next version number.
func (c *DB) VersionCount(ctx context.Context, normalized, voice string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cache_entries
		WHERE text_normalized = ? AND voice_id = ?`,
		normalized, voice,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("catalog: version count: %w", err)
	}
	return n, nil
}

// HitCount returns the accumulated hit_count over every version of a key.
func (c *DB) HitCount(ctx context.Context, normalized, voice string) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(hit_count), 0) FROM cache_entries
		WHERE text_normalized = ? AND voice_id = ?`,
		normalized, voice,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("catalog: hit count: %w", err)
	}
	return n, nil
}

// AllEntries returns the projection needed to populate the hot index at
// startup.
func (c *DB) AllEntries(ctx context.Context) ([]Entry, error) {
	return c.queryEntries(ctx, `
		SELECT 0, text_normalized, voice_id, audio_path, is_filler, version_num
		FROM cache_entries ORDER BY version_num`)
}

// AllEntriesWithIDs returns the same projection plus row ids; used by the
// startup integrity pass.
func (c *DB) AllEntriesWithIDs(ctx context.Context) ([]Entry, error) {
	return c.queryEntries(ctx, `
		SELECT id, text_normalized, voice_id, audio_path, is_filler, version_num
		FROM cache_entries ORDER BY id`)
}

func (c *DB) queryEntries(ctx context.Context, query string) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("catalog: query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var filler int
		if err := rows.Scan(&e.ID, &e.TextNormalized, &e.VoiceID, &e.AudioPath, &filler, &e.VersionNum); err != nil {
			return nil, fmt.Errorf("catalog: scan entry: %w", err)
		}
		e.IsFiller = filler != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// Lookup returns the full row for a (fingerprint, voice, version) key.
// Mostly useful in tests and debugging.
func (c *DB) Lookup(ctx context.Context, normalized, voice string, version int) (Entry, error) {
	var e Entry
	var filler int
	err := c.db.QueryRowContext(ctx, `
		SELECT id, text_original, text_normalized, voice_id, model, audio_path,
		       audio_format, file_size, hit_count, is_filler, version_num
		FROM cache_entries
		WHERE text_normalized = ? AND voice_id = ? AND version_num = ?`,
		normalized, voice, version,
	).Scan(&e.ID, &e.TextOriginal, &e.TextNormalized, &e.VoiceID, &e.Model,
		&e.AudioPath, &e.AudioFormat, &e.FileSize, &e.HitCount, &filler, &e.VersionNum)
	if err != nil {
		return Entry{}, err
	}
	e.IsFiller = filler != 0
	return e, nil
}

// DeleteEntry removes one row and returns its artifact path so the caller
// can unlink the file. sql.ErrNoRows when the id does not exist.
func (c *DB) DeleteEntry(ctx context.Context, id int64) (string, error) {
	var path string
	err := c.db.QueryRowContext(ctx,
		`DELETE FROM cache_entries WHERE id = ? RETURNING audio_path`, id,
	).Scan(&path)
	if err != nil {
		return "", err
	}
	return path, nil
}

// DeleteEntriesByIDs batch-deletes rows.
func (c *DB) DeleteEntriesByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("catalog: batch delete: %w", err)
	}
	return nil
}

// DeleteAll purges every row and returns all artifact paths for unlinking.
func (c *DB) DeleteAll(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT audio_path FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("catalog: delete all: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("catalog: delete all scan: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return nil, fmt.Errorf("catalog: delete all exec: %w", err)
	}
	return paths, nil
}

// EvictionCandidates selects rows to evict. Primary candidates are
// never-hit, non-filler rows older than minAgeDays (oldest first). When
// removing those still leaves more than maxEntries rows, the overflow is
// covered by additional non-filler rows in last_hit_at order.
func (c *DB) EvictionCandidates(ctx context.Context, maxEntries, minAgeDays int) ([]Candidate, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, audio_path, text_normalized, voice_id FROM cache_entries
		WHERE is_filler = 0 AND hit_count = 0
		  AND created_at < datetime('now', ?)
		ORDER BY created_at ASC`,
		fmt.Sprintf("-%d days", minAgeDays),
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: eviction candidates: %w", err)
	}
	candidates, err := scanCandidates(rows)
	if err != nil {
		return nil, err
	}

	var total int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&total); err != nil {
		return nil, fmt.Errorf("catalog: eviction count: %w", err)
	}

	if overflow := total - len(candidates) - maxEntries; overflow > 0 {
		rows, err := c.db.QueryContext(ctx, `
			SELECT id, audio_path, text_normalized, voice_id FROM cache_entries
			WHERE is_filler = 0
			ORDER BY last_hit_at ASC LIMIT ?`,
			overflow,
		)
		if err != nil {
			return nil, fmt.Errorf("catalog: eviction overflow: %w", err)
		}
		extra, err := scanCandidates(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, extra...)
	}
	return candidates, nil
}

func scanCandidates(rows *sql.Rows) ([]Candidate, error) {
	defer rows.Close()
	var out []Candidate
	for rows.Next() {
		var cand Candidate
		if err := rows.Scan(&cand.ID, &cand.AudioPath, &cand.TextNormalized, &cand.VoiceID); err != nil {
			return nil, fmt.Errorf("catalog: scan candidate: %w", err)
		}
		out = append(out, cand)
	}
	return out, rows.Err()
}

// Stats returns aggregate counters plus a per-voice entry breakdown.
func (c *DB) Stats(ctx context.Context) (Stats, error) {
	s := Stats{PerVoice: make(map[string]int64)}

	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(file_size), 0),
		       COALESCE(SUM(hit_count), 0),
		       COALESCE(SUM(CASE WHEN is_filler = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(strftime('%s','now') - strftime('%s', MIN(created_at)), 0)
		FROM cache_entries`,
	).Scan(&s.TotalEntries, &s.TotalSizeBytes, &s.TotalHits, &s.FillerCount, &s.CacheAgeSeconds)
	if err != nil {
		return Stats{}, fmt.Errorf("catalog: stats: %w", err)
	}

	err = c.db.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT value FROM cache_counters WHERE name = 'misses'), 0)`,
	).Scan(&s.TotalMisses)
	if err != nil {
		return Stats{}, fmt.Errorf("catalog: stats misses: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT voice_id, COUNT(*) FROM cache_entries GROUP BY voice_id`)
	if err != nil {
		return Stats{}, fmt.Errorf("catalog: stats per voice: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var voice string
		var n int64
		if err := rows.Scan(&voice, &n); err != nil {
			return Stats{}, fmt.Errorf("catalog: stats per voice scan: %w", err)
		}
		s.PerVoice[voice] = n
	}
	return s, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation reports whether err is the SQLite UNIQUE constraint
// error. The driver's error string carries the constraint name, which is
// stable across modernc.org/sqlite releases.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
