package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/bizdesk/bsync/internal/clock"
)

// TableName is the remote snapshot table.
const TableName = "sync_snapshots"

// SQLStore keeps snapshots in the sync_snapshots table.
//
// The database URL picks the driver:
//   - libsql://, http://, https://  -> go-libsql (Turso, sqld)
//   - postgres://, postgresql://    -> lib/pq
//   - anything else                 -> file path for embedded SQLite
type SQLStore struct {
	conn      *sql.DB
	driver    string
	clock     clock.Clock
	publisher Publisher
	logger    *log.Logger
}

// OpenSQL opens the store at databaseURL. Call Migrate before first use.
func OpenSQL(databaseURL string, logger *log.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	driver, dsn, err := resolveDSN(databaseURL)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}

	if driver == "sqlite3" {
		conn.SetMaxOpenConns(8)
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
		if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}

	return &SQLStore{
		conn:   conn,
		driver: driver,
		clock:  clock.New(),
		logger: logger,
	}, nil
}

func resolveDSN(databaseURL string) (driver, dsn string, err error) {
	switch {
	case databaseURL == "":
		return "", "", fmt.Errorf("database url cannot be empty")
	case strings.HasPrefix(databaseURL, "libsql://"),
		strings.HasPrefix(databaseURL, "http://"),
		strings.HasPrefix(databaseURL, "https://"):
		return "libsql", databaseURL, nil
	case strings.HasPrefix(databaseURL, "postgres://"),
		strings.HasPrefix(databaseURL, "postgresql://"):
		return "postgres", databaseURL, nil
	}

	path := strings.TrimPrefix(databaseURL, "file:")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", "", fmt.Errorf("failed to create database directory: %w", err)
	}
	return "sqlite3", "file:" + path, nil
}

// SetPublisher makes Upsert emit a notification after each committed write.
func (s *SQLStore) SetPublisher(p Publisher) {
	s.publisher = p
}

// SetClock replaces the clock used to assign updated_at.
func (s *SQLStore) SetClock(c clock.Clock) {
	s.clock = c
}

// Close closes the connection.
func (s *SQLStore) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

// Migrate creates the snapshot table if it doesn't exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS ` + TableName + ` (
		user_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		device_id TEXT NOT NULL,
		version TEXT NOT NULL,
		change_log TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`
	if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create %s: %w", TableName, err)
	}
	return nil
}

// Fetch implements Store.
func (s *SQLStore) Fetch(ctx context.Context, userID string) (*Snapshot, error) {
	query := s.rebind(`SELECT user_id, data, device_id, version, change_log, updated_at
		FROM ` + TableName + ` WHERE user_id = ?`)

	var (
		snap      Snapshot
		data      string
		changeLog string
		updatedAt string
	)
	err := s.conn.QueryRowContext(ctx, query, userID).Scan(
		&snap.UserID, &data, &snap.DeviceID, &snap.Version, &changeLog, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot for %s: %w", userID, err)
	}

	if err := json.Unmarshal([]byte(data), &snap.Data); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot data: %w", err)
	}
	if err := json.Unmarshal([]byte(changeLog), &snap.ChangeLog); err != nil {
		return nil, fmt.Errorf("failed to decode change log: %w", err)
	}
	snap.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &snap, nil
}

// Upsert implements Store. The whole row is replaced; nothing is merged.
func (s *SQLStore) Upsert(ctx context.Context, snap *Snapshot) (*Snapshot, error) {
	if snap.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	stored := snap.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = s.clock.Now()
	}
	stored.UpdatedAt = stored.UpdatedAt.UTC()
	if stored.Data == nil {
		stored.Data = map[string]json.RawMessage{}
	}
	if stored.ChangeLog == nil {
		stored.ChangeLog = []ChangeLogEntry{}
	}

	data, err := Marshal(stored.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot data: %w", err)
	}
	changeLog, err := Marshal(stored.ChangeLog)
	if err != nil {
		return nil, fmt.Errorf("failed to encode change log: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM `+TableName+` WHERE user_id = ?`), stored.UserID).Scan(&exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check snapshot for %s: %w", stored.UserID, err)
	}

	query := s.rebind(`
	INSERT INTO ` + TableName + ` (user_id, data, device_id, version, change_log, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		data = excluded.data,
		device_id = excluded.device_id,
		version = excluded.version,
		change_log = excluded.change_log,
		updated_at = excluded.updated_at
	`)
	_, err = tx.ExecContext(ctx, query,
		stored.UserID,
		string(data),
		stored.DeviceID,
		stored.Version,
		string(changeLog),
		stored.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert snapshot for %s: %w", stored.UserID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if s.publisher != nil {
		event := EventInsert
		if exists == 1 {
			event = EventUpdate
		}
		if err := s.publisher.Publish(ctx, Notification{Type: event, Record: *stored.Clone()}); err != nil {
			s.logger.Printf("Warning: failed to publish change for %s: %v", stored.UserID, err)
		}
	}

	return stored, nil
}

// rebind converts ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
