// Package remotetest provides an in-memory remote for tests.
package remotetest

import (
	"context"
	"io"
	"log"
	"sync"

	"github.com/bizdesk/bsync/internal/clock"
	"github.com/bizdesk/bsync/internal/remote"
)

// Memory is an in-memory Store and Subscriber. Upserts notify subscribers
// through an embedded Hub, like a SQLStore wired to a Hub does.
type Memory struct {
	*remote.Hub

	mu      sync.Mutex
	rows    map[string]*remote.Snapshot
	clock   clock.Clock
	upserts int

	fetchErr     error
	upsertErr    error
	subscribeErr error
}

// NewMemory creates an empty remote using c to assign updated_at.
func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.New()
	}
	return &Memory{
		Hub:   remote.NewHub(log.New(io.Discard, "", 0)),
		rows:  make(map[string]*remote.Snapshot),
		clock: c,
	}
}

// FailFetch makes Fetch return err until cleared with nil.
func (m *Memory) FailFetch(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}

// FailUpsert makes Upsert return err until cleared with nil.
func (m *Memory) FailUpsert(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertErr = err
}

// FailSubscribe makes Subscribe return err until cleared with nil.
func (m *Memory) FailSubscribe(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// Put stores snap directly, without notifying subscribers.
func (m *Memory) Put(snap *remote.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[snap.UserID] = snap.Clone()
}

// Row returns a copy of the stored snapshot, or nil.
func (m *Memory) Row(userID string) *remote.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[userID].Clone()
}

// Upserts returns how many upserts succeeded.
func (m *Memory) Upserts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

// Fetch implements remote.Store.
func (m *Memory) Fetch(ctx context.Context, userID string) (*remote.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	row, ok := m.rows[userID]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return row.Clone(), nil
}

// Upsert implements remote.Store.
func (m *Memory) Upsert(ctx context.Context, snap *remote.Snapshot) (*remote.Snapshot, error) {
	m.mu.Lock()
	if m.upsertErr != nil {
		err := m.upsertErr
		m.mu.Unlock()
		return nil, err
	}

	stored := snap.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = m.clock.Now()
	}
	stored.UpdatedAt = stored.UpdatedAt.UTC()

	event := remote.EventInsert
	if _, ok := m.rows[stored.UserID]; ok {
		event = remote.EventUpdate
	}
	m.rows[stored.UserID] = stored.Clone()
	m.upserts++
	m.mu.Unlock()

	_ = m.Hub.Publish(ctx, remote.Notification{Type: event, Record: *stored.Clone()})
	return stored, nil
}

// Subscribe implements remote.Subscriber.
func (m *Memory) Subscribe(ctx context.Context, userID string) (remote.Subscription, error) {
	m.mu.Lock()
	err := m.subscribeErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.Hub.Subscribe(ctx, userID)
}
