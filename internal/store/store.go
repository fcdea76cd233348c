// Package store implements a keyed document store over pure-Go SQLite.
// Each table holds JSON-encoded documents under a TEXT primary key;
// writes are autocommitted. Higher layers register typed banks on top
// for values that need custom (de)serialization.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("store: key not found")

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SanitizeName replaces every character outside [A-Za-z0-9_] with an
// underscore, making an agent name safe for table and file names.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// DB is one SQLite database file holding any number of document tables.
//
// A single shared connection (SetMaxOpenConns(1)) serialises all
// goroutines through one writer, eliminating SQLITE_BUSY errors from
// concurrent connections.
type DB struct {
	db   *sql.DB
	path string
}

// Open creates the parent directory if needed and opens the database.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return &DB{db: db, path: path}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error { return d.db.Close() }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Table opens (creating if needed) a named document table.
func (d *DB) Table(ctx context.Context, name string) (*Table, error) {
	if !identRe.MatchString(name) {
		return nil, fmt.Errorf("store: invalid table name %q", name)
	}
	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value TEXT NOT NULL)`, name)
	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("store: create table %s: %w", name, err)
	}
	return &Table{db: d.db, name: name}, nil
}

// Table is one keyed document table. Values round-trip through
// encoding/json; a decode failure on read surfaces to the caller.
type Table struct {
	db   *sql.DB
	name string
}

// Put stores value under key, replacing any previous document.
func (t *Table) Put(ctx context.Context, key string, value any) error {
	doc, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %s[%s]: %w", t.name, key, err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, t.name)
	if _, err := t.db.ExecContext(ctx, q, key, string(doc)); err != nil {
		return fmt.Errorf("store: put %s[%s]: %w", t.name, key, err)
	}
	return nil
}

// Get decodes the document under key into dst. Returns ErrNotFound when
// the key is absent; a corrupt document surfaces as a decode error.
func (t *Table) Get(ctx context.Context, key string, dst any) error {
	var doc string
	q := fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, t.name)
	err := t.db.QueryRowContext(ctx, q, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: get %s[%s]: %w", t.name, key, err)
	}
	if err := json.Unmarshal([]byte(doc), dst); err != nil {
		return fmt.Errorf("store: decode %s[%s]: %w", t.name, key, err)
	}
	return nil
}

// Contains reports whether key is present.
func (t *Table) Contains(ctx context.Context, key string) (bool, error) {
	var one int
	q := fmt.Sprintf(`SELECT 1 FROM %s WHERE key = ?`, t.name)
	err := t.db.QueryRowContext(ctx, q, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: contains %s[%s]: %w", t.name, key, err)
	}
	return true, nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (t *Table) Delete(ctx context.Context, key string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, t.name)
	if _, err := t.db.ExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("store: delete %s[%s]: %w", t.name, key, err)
	}
	return nil
}

// Keys returns all keys in the table. No ordering is guaranteed.
func (t *Table) Keys(ctx context.Context) ([]string, error) {
	q := fmt.Sprintf(`SELECT key FROM %s`, t.name)
	rows, err := t.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: keys %s: %w", t.name, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("store: keys %s: %w", t.name, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Len returns the number of documents in the table.
func (t *Table) Len(ctx context.Context) (int, error) {
	var n int
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, t.name)
	if err := t.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: len %s: %w", t.name, err)
	}
	return n, nil
}
