// Package remote defines the shared snapshot store contract and its
// backends.
//
// The remote side holds exactly one Snapshot per user. Every push replaces
// the user's row in full (upsert keyed by user_id) and emits a change
// Notification carrying the new row to subscribers of that user.
//
// Backends:
//   - SQLStore: the sync_snapshots table on SQLite, libSQL/Turso or Postgres
//   - Hub: in-process per-user notification fan-out
//   - RedisFanout: notification fan-out across server instances
//   - Server / Client: HTTP + WebSocket transport between devices and the store
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// SnapshotVersion is the schema tag written by this client.
const SnapshotVersion = "v1"

// ActionSync is the change log action recorded by a push.
const ActionSync = "sync"

var (
	// ErrNotFound is returned by Fetch when the user has no snapshot.
	ErrNotFound = errors.New("snapshot not found")

	// ErrClosed is reported by a subscription closed from this side.
	ErrClosed = errors.New("subscription closed")

	// ErrSlowConsumer is reported by a subscription dropped because it
	// fell too far behind.
	ErrSlowConsumer = errors.New("subscriber too slow, dropped")

	// ErrUnauthorized is returned when the server rejects the API key.
	ErrUnauthorized = errors.New("unauthorized")
)

// ChangeLogEntry describes one collection touched by a push. Audit only.
type ChangeLogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	DeviceID   string    `json:"deviceId"`
	Action     string    `json:"action"`
	Collection string    `json:"collection"`
}

// Snapshot is the single remote row holding a user's synchronized data.
type Snapshot struct {
	UserID    string                     `json:"user_id"`
	Data      map[string]json.RawMessage `json:"data"`
	DeviceID  string                     `json:"device_id"`
	Version   string                     `json:"version"`
	ChangeLog []ChangeLogEntry           `json:"change_log"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// Keys returns the collection keys present in Data, sorted.
func (s *Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.Data))
	for k := range s.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Data = make(map[string]json.RawMessage, len(s.Data))
	for k, v := range s.Data {
		out.Data[k] = append(json.RawMessage(nil), v...)
	}
	out.ChangeLog = append([]ChangeLogEntry(nil), s.ChangeLog...)
	return &out
}

// Event types carried by notifications.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
)

// Notification is a row-level change event with the full new row attached.
type Notification struct {
	Type   string   `json:"type"`
	Record Snapshot `json:"record"`
}

// Store reads and writes snapshots.
type Store interface {
	// Fetch returns the user's snapshot or ErrNotFound.
	Fetch(ctx context.Context, userID string) (*Snapshot, error)

	// Upsert inserts or fully replaces the user's snapshot and returns the
	// stored row. A zero UpdatedAt is assigned by the store.
	Upsert(ctx context.Context, snap *Snapshot) (*Snapshot, error)
}

// Publisher emits change notifications.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Subscriber opens change subscriptions scoped to one user.
type Subscriber interface {
	// Subscribe returns once the subscription is confirmed.
	Subscribe(ctx context.Context, userID string) (Subscription, error)
}

// Subscription is an open change feed.
type Subscription interface {
	// Notifications delivers changes in arrival order.
	Notifications() <-chan Notification

	// Done is closed when the subscription ends for any reason.
	Done() <-chan struct{}

	// Err reports why the subscription ended, once Done is closed.
	Err() error

	// Close ends the subscription. Safe to call more than once.
	Close() error
}

// Marshal encodes v without HTML escaping, so collection values keep the
// characters they were pushed with. RawMessage values are compacted.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
