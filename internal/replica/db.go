// Package replica is the device-local replica store.
//
// Each synchronized collection is stored as one opaque JSON string under its
// collection key. The store also keeps small pieces of sync metadata (the
// device id, the last sync point, the local device registry) and best-effort
// backups taken before a pull overwrites a collection.
//
// The database is an embedded SQLite file opened through ncruces/go-sqlite3
// in WAL mode so the CLI and a running watcher can share it.
//
// Layout:
//   - collections: key -> JSON value
//   - meta:        key -> string
//   - backups:     rolling history of overwritten collection values
package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Well-known meta keys.
const (
	MetaDeviceID       = "device_id"
	MetaDeviceRegistry = "device_registry"
	MetaLastSync       = "last_sync_at"
	MetaLastUpdateFrom = "last_update_from"
	MetaUserID         = "user_id"
	MetaPending        = "pending_changes"

	// MetaDataOwner is the user the stored collections belong to. Unlike
	// MetaUserID it survives a logout.
	MetaDataOwner = "data_owner"
)

// DefaultBackupRetention is how many backups are kept per collection.
const DefaultBackupRetention = 5

// DB wraps the SQLite connection holding the local replica.
type DB struct {
	conn      *sql.DB
	path      string
	retention int
}

// Backup is one saved copy of a collection value.
type Backup struct {
	ID        int64
	Key       string
	Value     string
	Reason    string
	CreatedAt time.Time
}

// Open opens (creating if needed) the replica database at path and
// initializes its schema.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := replica.Open(filepath.Join(dataDir, "replica.db"))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create replica directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open replica: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping replica: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:      conn,
		path:      path,
		retention: DefaultBackupRetention,
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// SetBackupRetention sets how many backups are kept per collection.
// Values below 1 disable backups.
func (db *DB) SetBackupRetention(n int) {
	db.retention = n
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close replica: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the replica tables if they don't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the replica tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS backups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_backups_key ON backups(key, id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize replica schema: %w", err)
	}
	return nil
}

// Get returns the stored value of a collection. ok is false when the key
// has never been set or was deleted.
func (db *DB) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	err = db.conn.QueryRowContext(ctx, `SELECT value FROM collections WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read collection %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value.
func (db *DB) Set(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO collections (key, value, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`

	_, err := db.conn.ExecContext(ctx, query, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write collection %s: %w", key, err)
	}
	return nil
}

// Delete removes a collection. Returns nil if it doesn't exist.
func (db *DB) Delete(ctx context.Context, key string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM collections WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", key, err)
	}
	return nil
}

// Keys lists the stored collection keys in lexical order.
func (db *DB) Keys(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT key FROM collections ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan collection key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collections: %w", err)
	}
	return keys, nil
}

// GetMeta returns a metadata value. ok is false when unset.
func (db *DB) GetMeta(ctx context.Context, key string) (value string, ok bool, err error) {
	err = db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta stores a metadata value.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := db.conn.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}

// LastSync returns the recorded sync point, or the zero time if none.
func (db *DB) LastSync(ctx context.Context) (time.Time, error) {
	v, ok, err := db.GetMeta(ctx, MetaLastSync)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %s: %w", MetaLastSync, err)
	}
	return t, nil
}

// SetLastSync records the sync point.
func (db *DB) SetLastSync(ctx context.Context, t time.Time) error {
	return db.SetMeta(ctx, MetaLastSync, t.UTC().Format(time.RFC3339Nano))
}

// Pending returns the collection keys changed locally and not yet pushed
// by a previous process.
func (db *DB) Pending(ctx context.Context) ([]string, error) {
	v, ok, err := db.GetMeta(ctx, MetaPending)
	if err != nil || !ok || v == "" {
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal([]byte(v), &keys); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", MetaPending, err)
	}
	return keys, nil
}

// AddPending merges keys into the pending set.
func (db *DB) AddPending(ctx context.Context, keys ...string) error {
	current, err := db.Pending(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(current))
	for _, k := range current {
		seen[k] = true
	}
	for _, k := range keys {
		if !seen[k] {
			current = append(current, k)
			seen[k] = true
		}
	}
	return db.SetPending(ctx, current)
}

// SetPending replaces the pending set. An empty set clears it.
func (db *DB) SetPending(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return db.SetMeta(ctx, MetaPending, "")
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return db.SetMeta(ctx, MetaPending, string(data))
}

// Discard backs up and deletes every stored collection, clears the
// pending set and resets the sync point. It returns the discarded keys.
func (db *DB) Discard(ctx context.Context, reason string) ([]string, error) {
	keys, err := db.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		value, ok, err := db.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := db.Backup(ctx, key, value, reason); err != nil {
			return nil, err
		}
		if err := db.Delete(ctx, key); err != nil {
			return nil, err
		}
	}
	if err := db.SetPending(ctx, nil); err != nil {
		return nil, err
	}
	if err := db.SetLastSync(ctx, time.Time{}); err != nil {
		return nil, err
	}
	return keys, nil
}

// Backup saves a copy of value for key and prunes older backups beyond the
// retention limit.
func (db *DB) Backup(ctx context.Context, key, value, reason string) error {
	if db.retention < 1 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO backups (key, value, reason, created_at) VALUES (?, ?, ?, ?)`,
		key, value, reason, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to back up collection %s: %w", key, err)
	}

	prune := `
	DELETE FROM backups
	WHERE key = ? AND id NOT IN (
		SELECT id FROM backups WHERE key = ? ORDER BY id DESC LIMIT ?
	)
	`
	if _, err := tx.ExecContext(ctx, prune, key, key, db.retention); err != nil {
		return fmt.Errorf("failed to prune backups for %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Backups returns the saved backups for key, newest first.
func (db *DB) Backups(ctx context.Context, key string) ([]Backup, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, key, value, reason, created_at FROM backups WHERE key = ? ORDER BY id DESC`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query backups: %w", err)
	}
	defer rows.Close()

	var out []Backup
	for rows.Next() {
		var b Backup
		var createdAt string
		if err := rows.Scan(&b.ID, &b.Key, &b.Value, &b.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan backup: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			b.CreatedAt = t
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backups: %w", err)
	}
	return out, nil
}

// Stats summarizes the replica contents.
type Stats struct {
	Collections int
	Bytes       int64
	Backups     int
}

// GetStats returns collection and backup counts.
func (db *DB) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(value)), 0) FROM collections`).Scan(&s.Collections, &s.Bytes)
	if err != nil {
		return s, fmt.Errorf("failed to count collections: %w", err)
	}
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM backups`).Scan(&s.Backups); err != nil {
		return s, fmt.Errorf("failed to count backups: %w", err)
	}
	return s, nil
}
