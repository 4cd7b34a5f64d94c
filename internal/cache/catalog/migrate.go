package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// schemaVersion is the current catalog schema. Version history:
//
//	v1 — base cache_entries table, no version column.
//	v2 — version_num column + unique index over
//	     (text_normalized, voice_id, version_num); counters table.
const schemaVersion = 2

// migrate brings the database up to the current schema. It is idempotent and
// recovers from partially-applied migrations by checking column presence
// before issuing ALTER statements.
func (c *DB) migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("catalog: create schema_version: %w", err)
	}

	current, err := c.readVersion(ctx)
	if err != nil {
		return err
	}

	// A database created before version tracking existed reports 0 but may
	// already hold a v1 table.
	if current == 0 {
		exists, err := c.tableExists(ctx, "cache_entries")
		if err != nil {
			return err
		}
		if exists {
			current = 1
		}
	}

	switch current {
	case 0:
		if err := c.createSchema(ctx); err != nil {
			return err
		}
	case 1:
		if err := c.migrateV1toV2(ctx); err != nil {
			return err
		}
	case schemaVersion:
		// Up to date; still ensure the counters table exists (added in v2
		// without its own version bump).
	default:
		return fmt.Errorf("catalog: schema version %d is newer than supported %d", current, schemaVersion)
	}

	if _, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cache_counters (
			name  TEXT PRIMARY KEY,
			value INTEGER NOT NULL DEFAULT 0
		)`); err != nil {
		return fmt.Errorf("catalog: create counters: %w", err)
	}

	return c.writeVersion(ctx, schemaVersion)
}

// createSchema builds the full current schema on a fresh database.
func (c *DB) createSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			text_original   TEXT NOT NULL,
			text_normalized TEXT NOT NULL,
			voice_id        TEXT NOT NULL,
			model           TEXT NOT NULL DEFAULT '',
			audio_path      TEXT NOT NULL,
			audio_format    TEXT NOT NULL DEFAULT 'mp3',
			file_size       INTEGER NOT NULL DEFAULT 0,
			hit_count       INTEGER NOT NULL DEFAULT 0,
			is_filler       INTEGER NOT NULL DEFAULT 0,
			version_num     INTEGER NOT NULL DEFAULT 1,
			created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_hit_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_voice_model ON cache_entries(voice_id, model)`,
		`CREATE INDEX IF NOT EXISTS idx_last_hit ON cache_entries(last_hit_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_version
			ON cache_entries(text_normalized, voice_id, version_num)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("catalog: create schema: %w", err)
		}
	}
	return nil
}

// migrateV1toV2 adds version_num, deduplicates rows sharing a
// (fingerprint, voice) key — keeping the row with the highest hit_count,
// ties broken by smallest id — and creates the unique index.
func (c *DB) migrateV1toV2(ctx context.Context) error {
	hasColumn, err := c.columnExists(ctx, "cache_entries", "version_num")
	if err != nil {
		return err
	}
	if !hasColumn {
		if _, err := c.db.ExecContext(ctx, `
			ALTER TABLE cache_entries ADD COLUMN version_num INTEGER NOT NULL DEFAULT 1`); err != nil {
			return fmt.Errorf("catalog: add version_num: %w", err)
		}
	}

	if _, err := c.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY text_normalized, voice_id
					ORDER BY hit_count DESC, id ASC
				) AS rn
				FROM cache_entries
			) WHERE rn > 1
		)`); err != nil {
		return fmt.Errorf("catalog: dedupe v1 rows: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_voice_model ON cache_entries(voice_id, model)`,
		`CREATE INDEX IF NOT EXISTS idx_last_hit ON cache_entries(last_hit_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_version
			ON cache_entries(text_normalized, voice_id, version_num)`,
	} {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("catalog: v2 indexes: %w", err)
		}
	}
	return nil
}

func (c *DB) readVersion(ctx context.Context) (int, error) {
	var v int
	err := c.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("catalog: read schema version: %w", err)
	}
	return v, nil
}

func (c *DB) writeVersion(ctx context.Context, v int) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("catalog: clear schema version: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, v); err != nil {
		return fmt.Errorf("catalog: write schema version: %w", err)
	}
	return nil
}

func (c *DB) tableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("catalog: table check: %w", err)
	}
	return n > 0, nil
}

func (c *DB) columnExists(ctx context.Context, table, column string) (bool, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, fmt.Errorf("catalog: column check: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, fmt.Errorf("catalog: column scan: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
