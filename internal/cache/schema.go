package cache

import (
	"database/sql"
	"fmt"
)

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS cache (
	entry_id   INTEGER PRIMARY KEY AUTOINCREMENT,
	object_sig TEXT    NOT NULL,
	filter_sig TEXT,
	score      INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	elapsed_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_lookup ON cache(object_sig, filter_sig, created_at DESC);

CREATE TABLE IF NOT EXISTS input_attrs (
	entry_id INTEGER NOT NULL,
	name     TEXT    NOT NULL,
	sig      TEXT    NOT NULL,
	PRIMARY KEY(entry_id, name)
);

CREATE TABLE IF NOT EXISTS output_attrs (
	entry_id INTEGER NOT NULL,
	name     TEXT    NOT NULL,
	sig      TEXT    NOT NULL,
	PRIMARY KEY(entry_id, name)
);

CREATE TABLE IF NOT EXISTS oattr.attrs (
	sig   TEXT NOT NULL,
	name  TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY(sig, name)
);

CREATE TEMP TABLE IF NOT EXISTS current_attrs (
	name TEXT PRIMARY KEY,
	sig  TEXT NOT NULL
);

CREATE TEMP TABLE IF NOT EXISTS temp_iattrs (
	name TEXT PRIMARY KEY,
	sig  TEXT NOT NULL
);

CREATE TEMP TABLE IF NOT EXISTS temp_oattrs (
	name   TEXT PRIMARY KEY,
	sig    TEXT NOT NULL,
	length INTEGER NOT NULL
);
`

func (d *DB) createSchema() error {
	if _, err := d.conn.Exec(createTablesSQL); err != nil {
		return fmt.Errorf("cache: create schema: %w", err)
	}
	var version int
	if err := d.conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("cache: read user_version: %w", err)
	}
	if version == 0 {
		if _, err := d.conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return fmt.Errorf("cache: set user_version: %w", err)
		}
	}
	return nil
}

// migrate runs schema upgrades up to schemaVersion and refuses anything
// newer (spec.md §4.4). It must run before createSchema so that a v0/v1
// database (lacking the current table shape) is normalized first.
func (d *DB) migrate() error {
	var version int
	if err := d.conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("cache: read user_version: %w", err)
	}

	if version > schemaVersion {
		return ErrUnsupportedSchema
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("cache: begin migration: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	switch version {
	case schemaVersion:
		return nil
	case 0:
		// Nothing upgraded: createSchema lays down the current shape
		// directly below and stamps user_version = schemaVersion.
		return nil
	case 1:
		if err := migrateV1ToV2(tx); err != nil {
			return err
		}
	default:
		return ErrUnsupportedSchema
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("cache: stamp user_version: %w", err)
	}
	return tx.Commit()
}

// migrateV1ToV2 renames cache.confidence to cache.score and moves blob
// values out of a single v1 "attrs" table into oattr.attrs, matching
// adiskd.c's historical migration (spec.md §4.4, supplemented from
// _examples/original_source/lib/libfilterexec/ocache.c).
func migrateV1ToV2(tx *sql.Tx) error {
	var hasOldCache bool
	row := tx.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='old_cache'`)
	var n int
	if err := row.Scan(&n); err != nil {
		return fmt.Errorf("cache: v1->v2: inspect old_cache: %w", err)
	}
	hasOldCache = n > 0

	if hasOldCache {
		// Already mid-migration from a previous aborted attempt: drop and
		// redo cleanly.
		if _, err := tx.Exec(`DROP TABLE old_cache`); err != nil {
			return fmt.Errorf("cache: v1->v2: drop stale old_cache: %w", err)
		}
	}

	var hasConfidence bool
	rows, err := tx.Query(`PRAGMA table_info(cache)`)
	if err != nil {
		return fmt.Errorf("cache: v1->v2: inspect cache columns: %w", err)
	}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("cache: v1->v2: scan column: %w", err)
		}
		if name == "confidence" {
			hasConfidence = true
		}
	}
	rows.Close()

	if hasConfidence {
		if _, err := tx.Exec(`ALTER TABLE cache RENAME COLUMN confidence TO score`); err != nil {
			return fmt.Errorf("cache: v1->v2: rename confidence: %w", err)
		}
	}

	// Move any legacy single-table blob values into oattr.attrs, keeping
	// rows already present there (INSERT OR IGNORE).
	var hasLegacyAttrs bool
	row = tx.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='attrs'`)
	if err := row.Scan(&n); err != nil {
		return fmt.Errorf("cache: v1->v2: inspect legacy attrs: %w", err)
	}
	hasLegacyAttrs = n > 0

	if hasLegacyAttrs {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO oattr.attrs(sig, name, value)
			SELECT a.sig, a.name, a.value
			FROM attrs a
			JOIN output_attrs oa ON oa.sig = a.sig AND oa.name = a.name
		`); err != nil {
			return fmt.Errorf("cache: v1->v2: move legacy attrs: %w", err)
		}
		if _, err := tx.Exec(`ALTER TABLE attrs RENAME TO old_cache`); err != nil {
			return fmt.Errorf("cache: v1->v2: rename legacy attrs: %w", err)
		}
		if _, err := tx.Exec(`DROP TABLE old_cache`); err != nil {
			return fmt.Errorf("cache: v1->v2: drop legacy attrs: %w", err)
		}
	}

	return nil
}
