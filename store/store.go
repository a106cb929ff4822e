// Package store persists simulation runs in a single-file hierarchical
// container: named groups and datasets carrying attributes, addressed by
// slash-separated paths, backed by SQLite. Large payloads are
// deduplicated through content-addressed pools, see Pool.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Root attribute names stamped into every store file at creation.
const (
	AttrFormat        = "format"
	AttrFormatVersion = "format_version"
	AttrToolVersion   = "tool_version"
)

// FormatMarker identifies a costep store file.
const FormatMarker = "costep-store"

// FormatVersion is the layout version this build reads and writes.
const FormatVersion = 1

// EntryKind distinguishes the two object kinds of the hierarchy.
type EntryKind string

const (
	EntryGroup   EntryKind = "group"
	EntryDataset EntryKind = "dataset"
)

// Entry is one child of a group.
type Entry struct {
	Name string
	Kind EntryKind
}

// Store is a hierarchical object store over a single SQLite file. It
// assumes one writing process; concurrent readers within that process are
// fine.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens the store file at path, creating and stamping it when it
// does not exist yet. Existing files are verified against the format
// marker, and files written by a newer layout are refused.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store %s: %w", path, err)
	}

	s := &Store{db: db, path: path}
	if err := s.checkFormat(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store %s: %w", path, err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the file path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) checkFormat(ctx context.Context) error {
	attrs, err := s.Attrs(ctx, "")
	if err != nil {
		return fmt.Errorf("reading root attributes: %w", err)
	}
	marker, ok := attrs[AttrFormat].(string)
	if !ok || marker != FormatMarker {
		return fmt.Errorf("%w: missing %q marker", ErrMalformed, FormatMarker)
	}
	declared, ok := attrs[AttrFormatVersion].(float64)
	if !ok {
		return fmt.Errorf("%w: missing format version", ErrMalformed)
	}
	if int(declared) > FormatVersion {
		return fmt.Errorf("%w: format version %d is newer than supported version %d",
			ErrMalformed, int(declared), FormatVersion)
	}
	return nil
}

// splitPath validates and splits a slash-separated object path. The empty
// path and "/" both address the root group.
func splitPath(path string) ([]string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return nil, fmt.Errorf("invalid path element %q in %q", part, path)
		}
	}
	return parts, nil
}

// resolve walks path from the root and returns the object's row id and
// kind. Missing objects report ErrNotFound.
func (s *Store) resolve(ctx context.Context, path string) (int64, EntryKind, error) {
	parts, err := splitPath(path)
	if err != nil {
		return 0, "", err
	}
	id, kind := int64(rootID), EntryGroup
	for _, name := range parts {
		err := s.db.QueryRowContext(ctx,
			`SELECT id, kind FROM objects WHERE parent_id = ? AND name = ?`,
			id, name).Scan(&id, &kind)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, "", fmt.Errorf("%q: %w", path, ErrNotFound)
		}
		if err != nil {
			return 0, "", fmt.Errorf("resolving %q: %w", path, err)
		}
	}
	return id, kind, nil
}

// ensureParents resolves a chain of group names below the root, creating
// any that do not exist, and returns the id of the last one.
func (s *Store) ensureParents(ctx context.Context, parts []string) (int64, error) {
	id := int64(rootID)
	for _, name := range parts {
		var childID int64
		var kind EntryKind
		err := s.db.QueryRowContext(ctx,
			`SELECT id, kind FROM objects WHERE parent_id = ? AND name = ?`,
			id, name).Scan(&childID, &kind)
		switch {
		case err == nil:
			if kind != EntryGroup {
				return 0, fmt.Errorf("path element %q is a dataset, not a group", name)
			}
			id = childID
		case errors.Is(err, sql.ErrNoRows):
			res, err := s.db.ExecContext(ctx,
				`INSERT INTO objects (parent_id, name, kind) VALUES (?, ?, 'group')`,
				id, name)
			if err != nil {
				return 0, fmt.Errorf("creating group %q: %w", name, err)
			}
			if id, err = res.LastInsertId(); err != nil {
				return 0, fmt.Errorf("creating group %q: %w", name, err)
			}
		default:
			return 0, fmt.Errorf("resolving %q: %w", name, err)
		}
	}
	return id, nil
}

// create inserts one leaf object, building missing parent groups on the
// way down. An occupied leaf path reports ErrExists.
func (s *Store) create(ctx context.Context, path string, kind EntryKind, data []byte) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("%q: %w", path, ErrExists)
	}
	parentID, err := s.ensureParents(ctx, parts[:len(parts)-1])
	if err != nil {
		return fmt.Errorf("creating %q: %w", path, err)
	}
	name := parts[len(parts)-1]
	var existing int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM objects WHERE parent_id = ? AND name = ?`,
		parentID, name).Scan(&existing)
	if err == nil {
		return fmt.Errorf("%q: %w", path, ErrExists)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("creating %q: %w", path, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO objects (parent_id, name, kind, data) VALUES (?, ?, ?, ?)`,
		parentID, name, string(kind), data); err != nil {
		return fmt.Errorf("creating %q: %w", path, err)
	}
	return nil
}

// CreateGroup creates the group at path, along with any missing parent
// groups. Creating a path that already exists reports ErrExists.
func (s *Store) CreateGroup(ctx context.Context, path string) error {
	return s.create(ctx, path, EntryGroup, nil)
}

// WriteDataset stores data as the dataset at path, creating missing
// parent groups. Datasets are write-once: an occupied path reports
// ErrExists.
func (s *Store) WriteDataset(ctx context.Context, path string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	return s.create(ctx, path, EntryDataset, data)
}

// ReadDataset returns the payload of the dataset at path.
func (s *Store) ReadDataset(ctx context.Context, path string) ([]byte, error) {
	id, kind, err := s.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	if kind != EntryDataset {
		return nil, fmt.Errorf("%q is a group, not a dataset", path)
	}
	var data []byte
	if err := s.db.QueryRowContext(ctx,
		`SELECT data FROM objects WHERE id = ?`, id).Scan(&data); err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// SetAttrs sets attributes on the object at path, overwriting values for
// names that are already set and leaving other names alone. Values must
// be JSON-encodable.
func (s *Store) SetAttrs(ctx context.Context, path string, attrs map[string]any) error {
	id, _, err := s.resolve(ctx, path)
	if err != nil {
		return err
	}
	for name, value := range attrs {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encoding attribute %q of %q: %w", name, path, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO attributes (object_id, name, value) VALUES (?, ?, ?)
			 ON CONFLICT (object_id, name) DO UPDATE SET value = excluded.value`,
			id, name, string(encoded)); err != nil {
			return fmt.Errorf("setting attribute %q of %q: %w", name, path, err)
		}
	}
	return nil
}

// Attrs returns all attributes of the object at path. Numbers decode as
// float64, following encoding/json.
func (s *Store) Attrs(ctx context.Context, path string) (map[string]any, error) {
	id, _, err := s.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM attributes WHERE object_id = ? ORDER BY name`, id)
	if err != nil {
		return nil, fmt.Errorf("reading attributes of %q: %w", path, err)
	}
	defer rows.Close()

	attrs := make(map[string]any)
	for rows.Next() {
		var name, encoded string
		if err := rows.Scan(&name, &encoded); err != nil {
			return nil, fmt.Errorf("reading attributes of %q: %w", path, err)
		}
		var value any
		if err := json.Unmarshal([]byte(encoded), &value); err != nil {
			return nil, fmt.Errorf("decoding attribute %q of %q: %w", name, path, err)
		}
		attrs[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading attributes of %q: %w", path, err)
	}
	return attrs, nil
}

// Exists reports whether an object exists at path.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	_, _, err := s.resolve(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListChildren returns the immediate children of the group at path,
// sorted by name.
func (s *Store) ListChildren(ctx context.Context, path string) ([]Entry, error) {
	id, kind, err := s.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	if kind != EntryGroup {
		return nil, fmt.Errorf("%q is a dataset, not a group", path)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, kind FROM objects WHERE parent_id = ? ORDER BY name`, id)
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", path, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Name, &e.Kind); err != nil {
			return nil, fmt.Errorf("listing %q: %w", path, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing %q: %w", path, err)
	}
	return entries, nil
}

// DeleteGroup removes the group at path along with its whole subtree. The
// root group cannot be deleted.
func (s *Store) DeleteGroup(ctx context.Context, path string) error {
	id, kind, err := s.resolve(ctx, path)
	if err != nil {
		return err
	}
	if id == rootID {
		return fmt.Errorf("cannot delete the root group")
	}
	if kind != EntryGroup {
		return fmt.Errorf("%q is a dataset, not a group", path)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting %q: %w", path, err)
	}
	return nil
}

// DeleteDataset removes the dataset at path.
func (s *Store) DeleteDataset(ctx context.Context, path string) error {
	id, kind, err := s.resolve(ctx, path)
	if err != nil {
		return err
	}
	if kind != EntryDataset {
		return fmt.Errorf("%q is a group, not a dataset", path)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting %q: %w", path, err)
	}
	return nil
}
