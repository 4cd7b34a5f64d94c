package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func addTestEntry(t *testing.T, db *DB, normalized, voice string, version int) int64 {
	t.Helper()
	id, err := db.AddEntry(context.Background(), AddParams{
		TextOriginal:   normalized,
		TextNormalized: normalized,
		VoiceID:        voice,
		AudioPath:      "/tmp/" + normalized + ".mp3",
		AudioFormat:    "mp3",
		FileSize:       10,
		VersionNum:     version,
	})
	if err != nil {
		t.Fatalf("AddEntry(%q, %q, v%d): %v", normalized, voice, version, err)
	}
	return id
}

func TestAddEntry_DuplicateVersionRejected(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	addTestEntry(t, db, "merhaba", "V", 1)

	_, err := db.AddEntry(ctx, AddParams{
		TextOriginal:   "merhaba",
		TextNormalized: "merhaba",
		VoiceID:        "V",
		AudioPath:      "/tmp/other.mp3",
		VersionNum:     1,
	})
	if !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("err = %v, want ErrDuplicateEntry", err)
	}

	// A different version of the same key is fine.
	addTestEntry(t, db, "merhaba", "V", 2)

	// Same version under a different voice is fine too.
	addTestEntry(t, db, "merhaba", "W", 1)
}

func TestVersionCount(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if n, _ := db.VersionCount(ctx, "x", "V"); n != 0 {
		t.Errorf("empty count = %d, want 0", n)
	}
	addTestEntry(t, db, "x", "V", 1)
	addTestEntry(t, db, "x", "V", 2)
	addTestEntry(t, db, "x", "W", 1)

	n, err := db.VersionCount(ctx, "x", "V")
	if err != nil {
		t.Fatalf("VersionCount: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestRecordHit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	addTestEntry(t, db, "x", "V", 1)
	addTestEntry(t, db, "x", "V", 2)

	t.Run("all versions", func(t *testing.T) {
		if err := db.RecordHit(ctx, "x", "V", 0); err != nil {
			t.Fatalf("RecordHit: %v", err)
		}
		total, _ := db.HitCount(ctx, "x", "V")
		if total != 2 {
			t.Errorf("total hits = %d, want 2 (both versions bumped)", total)
		}
	})

	t.Run("single version", func(t *testing.T) {
		if err := db.RecordHit(ctx, "x", "V", 2); err != nil {
			t.Fatalf("RecordHit: %v", err)
		}
		e, err := db.Lookup(ctx, "x", "V", 2)
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if e.HitCount != 2 {
			t.Errorf("v2 hit_count = %d, want 2", e.HitCount)
		}
		e1, _ := db.Lookup(ctx, "x", "V", 1)
		if e1.HitCount != 1 {
			t.Errorf("v1 hit_count = %d, want 1 (untouched)", e1.HitCount)
		}
	})
}

func TestDeleteEntry_ReturnsPath(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id := addTestEntry(t, db, "gone", "V", 1)
	path, err := db.DeleteEntry(ctx, id)
	if err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	if path != "/tmp/gone.mp3" {
		t.Errorf("path = %q, want /tmp/gone.mp3", path)
	}
	if n, _ := db.VersionCount(ctx, "gone", "V"); n != 0 {
		t.Errorf("row still present after delete")
	}
}

func TestDeleteEntriesByIDs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	a := addTestEntry(t, db, "a", "V", 1)
	b := addTestEntry(t, db, "b", "V", 1)
	addTestEntry(t, db, "c", "V", 1)

	if err := db.DeleteEntriesByIDs(ctx, []int64{a, b}); err != nil {
		t.Fatalf("DeleteEntriesByIDs: %v", err)
	}
	entries, err := db.AllEntries(ctx)
	if err != nil {
		t.Fatalf("AllEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].TextNormalized != "c" {
		t.Errorf("entries = %+v, want only c", entries)
	}
}

func TestDeleteAll(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	addTestEntry(t, db, "a", "V", 1)
	addTestEntry(t, db, "b", "W", 1)

	paths, err := db.DeleteAll(ctx)
	if err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if len(paths) != 2 {
		t.Errorf("paths = %v, want 2 entries", paths)
	}
	s, _ := db.Stats(ctx)
	if s.TotalEntries != 0 {
		t.Errorf("TotalEntries = %d after purge, want 0", s.TotalEntries)
	}
}

func TestStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	addTestEntry(t, db, "a", "V", 1)
	addTestEntry(t, db, "b", "V", 1)
	addTestEntry(t, db, "c", "W", 1)
	if _, err := db.AddEntry(ctx, AddParams{
		TextOriginal: "f", TextNormalized: "f", VoiceID: "V",
		AudioPath: "/tmp/f.mp3", IsFiller: true, FileSize: 5,
	}); err != nil {
		t.Fatalf("AddEntry filler: %v", err)
	}
	_ = db.RecordHit(ctx, "a", "V", 0)
	_ = db.RecordMiss(ctx)
	_ = db.RecordMiss(ctx)

	s, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.TotalEntries != 4 {
		t.Errorf("TotalEntries = %d, want 4", s.TotalEntries)
	}
	if s.TotalHits != 1 {
		t.Errorf("TotalHits = %d, want 1", s.TotalHits)
	}
	if s.TotalMisses != 2 {
		t.Errorf("TotalMisses = %d, want 2", s.TotalMisses)
	}
	if s.FillerCount != 1 {
		t.Errorf("FillerCount = %d, want 1", s.FillerCount)
	}
	if s.PerVoice["V"] != 3 || s.PerVoice["W"] != 1 {
		t.Errorf("PerVoice = %v, want V:3 W:1", s.PerVoice)
	}
	if s.TotalSizeBytes != 35 {
		t.Errorf("TotalSizeBytes = %d, want 35", s.TotalSizeBytes)
	}
}

func TestEvictionCandidates(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// Old, never hit, not a filler — prime eviction candidate.
	addTestEntry(t, db, "cold", "V", 1)
	// Old but a filler — protected.
	if _, err := db.AddEntry(ctx, AddParams{
		TextOriginal: "filler", TextNormalized: "filler", VoiceID: "V",
		AudioPath: "/tmp/filler.mp3", IsFiller: true,
	}); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	// Old but hit — protected from the primary pass.
	addTestEntry(t, db, "warm", "V", 1)
	_ = db.RecordHit(ctx, "warm", "V", 0)

	// Age the rows past the minimum.
	if _, err := db.db.ExecContext(ctx, `
		UPDATE cache_entries SET created_at = datetime('now', '-30 days')`); err != nil {
		t.Fatalf("age rows: %v", err)
	}

	cands, err := db.EvictionCandidates(ctx, 1000, 7)
	if err != nil {
		t.Fatalf("EvictionCandidates: %v", err)
	}
	if len(cands) != 1 || cands[0].TextNormalized != "cold" {
		t.Fatalf("candidates = %+v, want only cold", cands)
	}

	t.Run("overflow extends by last_hit_at", func(t *testing.T) {
		// maxEntries 1: 3 rows - 1 primary candidate = 2 remaining > 1,
		// so one more non-filler row joins the candidate set.
		cands, err := db.EvictionCandidates(ctx, 1, 7)
		if err != nil {
			t.Fatalf("EvictionCandidates: %v", err)
		}
		if len(cands) != 2 {
			t.Fatalf("candidates = %+v, want 2", cands)
		}
	})
}

func TestMigration_V1ToV2(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")

	// Build a v1 database by hand: no version_num, no unique index,
	// duplicate (fingerprint, voice) rows.
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	mustExec := func(stmt string, args ...any) {
		t.Helper()
		if _, err := db.db.ExecContext(ctx, stmt, args...); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	mustExec(`DROP INDEX idx_unique_version`)
	mustExec(`DROP TABLE cache_entries`)
	mustExec(`CREATE TABLE cache_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		text_original TEXT NOT NULL,
		text_normalized TEXT NOT NULL,
		voice_id TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		audio_path TEXT NOT NULL,
		audio_format TEXT NOT NULL DEFAULT 'mp3',
		file_size INTEGER NOT NULL DEFAULT 0,
		hit_count INTEGER NOT NULL DEFAULT 0,
		is_filler INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_hit_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	mustExec(`INSERT INTO cache_entries (text_original, text_normalized, voice_id, audio_path, hit_count)
		VALUES ('a', 'a', 'V', '/tmp/a1.mp3', 1),
		       ('a', 'a', 'V', '/tmp/a2.mp3', 5),
		       ('a', 'a', 'V', '/tmp/a3.mp3', 5),
		       ('b', 'b', 'V', '/tmp/b.mp3', 0)`)
	mustExec(`DELETE FROM schema_version`)
	mustExec(`INSERT INTO schema_version (version) VALUES (1)`)
	db.Close()

	// Reopen: the v1->v2 migration must run.
	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	entries, err := db2.AllEntriesWithIDs(ctx)
	if err != nil {
		t.Fatalf("AllEntriesWithIDs: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries after migration = %+v, want 2 (deduplicated)", entries)
	}

	// The survivor of the 'a' group is the highest hit_count row; the tie
	// between a2 and a3 goes to the smaller id (a2).
	e, err := db2.Lookup(ctx, "a", "V", 1)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.AudioPath != "/tmp/a2.mp3" || e.HitCount != 5 {
		t.Errorf("survivor = %+v, want /tmp/a2.mp3 with hit_count 5", e)
	}

	// The unique index must now be in force.
	_, err = db2.AddEntry(ctx, AddParams{
		TextOriginal: "b", TextNormalized: "b", VoiceID: "V",
		AudioPath: "/tmp/b2.mp3", VersionNum: 1,
	})
	if !errors.Is(err, ErrDuplicateEntry) {
		t.Errorf("post-migration duplicate err = %v, want ErrDuplicateEntry", err)
	}

	// Re-running Open on an already-migrated database is a no-op.
	db2.Close()
	db3, err := Open(path)
	if err != nil {
		t.Fatalf("third open: %v", err)
	}
	db3.Close()
}
