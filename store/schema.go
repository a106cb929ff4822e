package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nvandessel/costep/internal/version"
)

// SchemaVersion is the current SQLite schema version.
const SchemaVersion = 1

// rootID is the object id of the root group, fixed at creation time.
const rootID = 1

// schemaV1 lays out the hierarchy: one row per group or dataset, one row
// per attribute. The self-referential cascade makes group deletion
// recursive.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS objects (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_id INTEGER REFERENCES objects(id) ON DELETE CASCADE,
	name      TEXT NOT NULL,
	kind      TEXT NOT NULL CHECK (kind IN ('group', 'dataset')),
	data      BLOB,
	UNIQUE (parent_id, name)
);

CREATE INDEX IF NOT EXISTS idx_objects_parent ON objects(parent_id);

CREATE TABLE IF NOT EXISTS attributes (
	object_id INTEGER NOT NULL REFERENCES objects(id) ON DELETE CASCADE,
	name      TEXT NOT NULL,
	value     TEXT NOT NULL,
	PRIMARY KEY (object_id, name)
);

CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);
`

// initSchema creates the schema on first open and migrates older files in
// place on later ones.
func initSchema(ctx context.Context, db *sql.DB) error {
	current, err := schemaVersionOf(ctx, db)
	if err != nil {
		// No schema_version table: fresh file.
		return createSchema(ctx, db)
	}
	if current > SchemaVersion {
		return fmt.Errorf("%w: schema version %d is newer than supported version %d",
			ErrMalformed, current, SchemaVersion)
	}
	if current < SchemaVersion {
		return migrateSchema(ctx, db, current)
	}
	return nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning schema transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
		SchemaVersion, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO objects (id, parent_id, name, kind) VALUES (?, NULL, '', 'group')`,
		rootID); err != nil {
		return fmt.Errorf("creating root group: %w", err)
	}
	// Stamp the file identity so foreign and future files are recognized
	// before any data is trusted.
	rootAttrs := map[string]any{
		AttrFormat:        FormatMarker,
		AttrFormatVersion: FormatVersion,
		AttrToolVersion:   version.Version,
	}
	for _, name := range [...]string{AttrFormat, AttrFormatVersion, AttrToolVersion} {
		encoded, err := json.Marshal(rootAttrs[name])
		if err != nil {
			return fmt.Errorf("encoding root attribute %q: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attributes (object_id, name, value) VALUES (?, ?, ?)`,
			rootID, name, string(encoded)); err != nil {
			return fmt.Errorf("stamping root attribute %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing schema: %w", err)
	}
	return nil
}

func migrateSchema(ctx context.Context, db *sql.DB, from int) error {
	// Version 1 is the first schema; there is nothing to migrate from yet.
	return fmt.Errorf("%w: no migration path from schema version %d", ErrMalformed, from)
}

func schemaVersionOf(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, err
	}
	return v, nil
}
