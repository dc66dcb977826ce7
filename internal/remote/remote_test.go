package remote

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizdesk/bsync/internal/clock"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func setupSQLStore(t *testing.T) *SQLStore {
	t.Helper()

	store, err := OpenSQL(filepath.Join(t.TempDir(), "remote.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func sampleSnapshot(userID, deviceID string) *Snapshot {
	return &Snapshot{
		UserID:   userID,
		DeviceID: deviceID,
		Version:  SnapshotVersion,
		Data: map[string]json.RawMessage{
			"customers": json.RawMessage(`[{"id":1,"name":"Ana"}]`),
		},
		ChangeLog: []ChangeLogEntry{{
			Timestamp:  time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
			DeviceID:   deviceID,
			Action:     ActionSync,
			Collection: "customers",
		}},
	}
}

func TestSQLStore_Upsert(t *testing.T) {
	t.Run("inserts then replaces the single row", func(t *testing.T) {
		store := setupSQLStore(t)
		ctx := context.Background()
		fc := clock.NewFake(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
		store.SetClock(fc)

		first, err := store.Upsert(ctx, sampleSnapshot("u1", "dev-a"))
		require.NoError(t, err)
		assert.Equal(t, fc.Now(), first.UpdatedAt)

		next := sampleSnapshot("u1", "dev-b")
		next.Data = map[string]json.RawMessage{"quotations": json.RawMessage(`[]`)}
		fc.Advance(time.Minute)
		_, err = store.Upsert(ctx, next)
		require.NoError(t, err)

		got, err := store.Fetch(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "dev-b", got.DeviceID)
		assert.Equal(t, []string{"quotations"}, got.Keys())
		assert.Equal(t, fc.Now(), got.UpdatedAt)
	})

	t.Run("keeps a client assigned updated_at", func(t *testing.T) {
		store := setupSQLStore(t)
		snap := sampleSnapshot("u1", "dev-a")
		snap.UpdatedAt = time.Date(2026, 4, 30, 8, 0, 0, 0, time.FixedZone("CEST", 2*3600))

		stored, err := store.Upsert(context.Background(), snap)
		require.NoError(t, err)
		assert.True(t, stored.UpdatedAt.Equal(snap.UpdatedAt))
		assert.Equal(t, time.UTC, stored.UpdatedAt.Location())
	})

	t.Run("rejects missing user", func(t *testing.T) {
		store := setupSQLStore(t)
		_, err := store.Upsert(context.Background(), &Snapshot{})
		assert.Error(t, err)
	})

	t.Run("publishes insert then update", func(t *testing.T) {
		store := setupSQLStore(t)
		hub := NewHub(quietLogger())
		store.SetPublisher(hub)
		ctx := context.Background()

		sub, err := hub.Subscribe(ctx, "u1")
		require.NoError(t, err)
		defer sub.Close()

		_, err = store.Upsert(ctx, sampleSnapshot("u1", "dev-a"))
		require.NoError(t, err)
		_, err = store.Upsert(ctx, sampleSnapshot("u1", "dev-a"))
		require.NoError(t, err)

		first := <-sub.Notifications()
		second := <-sub.Notifications()
		assert.Equal(t, EventInsert, first.Type)
		assert.Equal(t, EventUpdate, second.Type)
		assert.Equal(t, "dev-a", second.Record.DeviceID)
	})
}

func TestSQLStore_FetchMissing(t *testing.T) {
	store := setupSQLStore(t)
	_, err := store.Fetch(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveDSN(t *testing.T) {
	tests := []struct {
		url    string
		driver string
	}{
		{"libsql://example.turso.io?authToken=x", "libsql"},
		{"http://127.0.0.1:8080", "libsql"},
		{"postgres://user@localhost/bsync", "postgres"},
		{"postgresql://user@localhost/bsync", "postgres"},
		{filepath.Join(t.TempDir(), "a", "remote.db"), "sqlite3"},
	}
	for _, tt := range tests {
		driver, _, err := resolveDSN(tt.url)
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.driver, driver, tt.url)
	}

	_, _, err := resolveDSN("")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: "postgres"}
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))

	lite := &SQLStore{driver: "sqlite3"}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestHub(t *testing.T) {
	t.Run("scopes notifications to the user", func(t *testing.T) {
		hub := NewHub(quietLogger())
		ctx := context.Background()

		mine, err := hub.Subscribe(ctx, "u1")
		require.NoError(t, err)
		other, err := hub.Subscribe(ctx, "u2")
		require.NoError(t, err)

		require.NoError(t, hub.Publish(ctx, Notification{Type: EventUpdate, Record: Snapshot{UserID: "u1"}}))

		select {
		case n := <-mine.Notifications():
			assert.Equal(t, "u1", n.Record.UserID)
		default:
			t.Fatal("expected a notification for u1")
		}
		select {
		case n := <-other.Notifications():
			t.Fatalf("u2 received %+v", n)
		default:
		}
	})

	t.Run("drops slow subscribers", func(t *testing.T) {
		hub := NewHub(quietLogger())
		ctx := context.Background()
		sub, err := hub.Subscribe(ctx, "u1")
		require.NoError(t, err)

		for i := 0; i <= DefaultSubscriberBuffer; i++ {
			_ = hub.Publish(ctx, Notification{Record: Snapshot{UserID: "u1"}})
		}

		<-sub.Done()
		assert.ErrorIs(t, sub.Err(), ErrSlowConsumer)
		assert.Equal(t, 0, hub.Count("u1"))
	})

	t.Run("close is idempotent", func(t *testing.T) {
		hub := NewHub(quietLogger())
		sub, err := hub.Subscribe(context.Background(), "u1")
		require.NoError(t, err)
		assert.Nil(t, sub.Err())

		require.NoError(t, sub.Close())
		require.NoError(t, sub.Close())
		assert.ErrorIs(t, sub.Err(), ErrClosed)
	})

	t.Run("disconnect ends all subscriptions", func(t *testing.T) {
		hub := NewHub(quietLogger())
		ctx := context.Background()
		a, _ := hub.Subscribe(ctx, "u1")
		b, _ := hub.Subscribe(ctx, "u1")
		assert.Equal(t, 2, hub.Count("u1"))

		hub.Disconnect("u1", io.ErrUnexpectedEOF)
		<-a.Done()
		<-b.Done()
		assert.ErrorIs(t, a.Err(), io.ErrUnexpectedEOF)
		assert.Equal(t, 0, hub.Count("u1"))
	})
}

func setupServer(t *testing.T, apiKey string) (*httptest.Server, *SQLStore) {
	t.Helper()

	store := setupSQLStore(t)
	hub := NewHub(quietLogger())
	store.SetPublisher(hub)

	srv := NewServer(store, hub, &ServerConfig{APIKey: apiKey, Logger: quietLogger()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Stop()
		ts.Close()
	})
	return ts, store
}

func TestClientServer(t *testing.T) {
	t.Run("round trips a snapshot", func(t *testing.T) {
		ts, _ := setupServer(t, "")
		client := NewClient(ts.URL, "")
		ctx := context.Background()

		require.NoError(t, client.Ping(ctx))

		_, err := client.Fetch(ctx, "u1")
		assert.ErrorIs(t, err, ErrNotFound)

		stored, err := client.Upsert(ctx, sampleSnapshot("u1", "dev-a"))
		require.NoError(t, err)
		assert.False(t, stored.UpdatedAt.IsZero())

		got, err := client.Fetch(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "dev-a", got.DeviceID)
		assert.JSONEq(t, `[{"id":1,"name":"Ana"}]`, string(got.Data["customers"]))
		require.Len(t, got.ChangeLog, 1)
		assert.Equal(t, "customers", got.ChangeLog[0].Collection)
	})

	t.Run("enforces api key", func(t *testing.T) {
		ts, _ := setupServer(t, "secret")
		ctx := context.Background()

		_, err := NewClient(ts.URL, "wrong").Fetch(ctx, "u1")
		assert.ErrorIs(t, err, ErrUnauthorized)

		_, err = NewClient(ts.URL, "secret").Fetch(ctx, "u1")
		assert.ErrorIs(t, err, ErrNotFound)

		// health stays open
		assert.NoError(t, NewClient(ts.URL, "").Ping(ctx))
	})

	t.Run("rejects mismatched user", func(t *testing.T) {
		ts, _ := setupServer(t, "")
		body := `{"user_id":"u2","data":{}}`
		req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/snapshots/u1", strings.NewReader(body))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("streams changes over realtime", func(t *testing.T) {
		ts, store := setupServer(t, "")
		client := NewClient(ts.URL, "")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		sub, err := client.Subscribe(ctx, "u1")
		require.NoError(t, err)
		defer sub.Close()

		_, err = store.Upsert(ctx, sampleSnapshot("u1", "dev-b"))
		require.NoError(t, err)

		select {
		case n := <-sub.Notifications():
			assert.Equal(t, EventInsert, n.Type)
			assert.Equal(t, "dev-b", n.Record.DeviceID)
		case <-ctx.Done():
			t.Fatal("timed out waiting for change")
		}

		require.NoError(t, sub.Close())
		<-sub.Done()
		assert.ErrorIs(t, sub.Err(), ErrClosed)
	})

	t.Run("keeps collection characters", func(t *testing.T) {
		ts, _ := setupServer(t, "")
		client := NewClient(ts.URL, "")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		sub, err := client.Subscribe(ctx, "u1")
		require.NoError(t, err)
		defer sub.Close()

		const value = `[{"name":"A&B <x>"}]`
		snap := sampleSnapshot("u1", "dev-a")
		snap.Data = map[string]json.RawMessage{"customers": json.RawMessage(value)}

		stored, err := client.Upsert(ctx, snap)
		require.NoError(t, err)
		assert.Equal(t, value, string(stored.Data["customers"]))

		got, err := client.Fetch(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, value, string(got.Data["customers"]))

		select {
		case n := <-sub.Notifications():
			assert.Equal(t, value, string(n.Record.Data["customers"]))
		case <-ctx.Done():
			t.Fatal("timed out waiting for change")
		}
	})
}

func TestMarshal(t *testing.T) {
	data, err := Marshal(map[string]json.RawMessage{"q": json.RawMessage(`[ {"terms": "net 30 & <tax>"} ]`)})
	require.NoError(t, err)
	assert.Equal(t, `{"q":[{"terms":"net 30 & <tax>"}]}`, string(data))
}

func TestRedisChannel(t *testing.T) {
	f := NewRedisFanout(nil, NewHub(quietLogger()), quietLogger())
	assert.Equal(t, "bsync:snapshots:u1", f.Channel("u1"))
}
