package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bizdesk/bsync/internal/bus"
	"github.com/bizdesk/bsync/internal/clock"
	"github.com/bizdesk/bsync/internal/device"
	"github.com/bizdesk/bsync/internal/remote"
	"github.com/bizdesk/bsync/internal/remote/remotetest"
	"github.com/bizdesk/bsync/internal/replica"
)

const testUser = "user-1"

var testStart = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type testDevice struct {
	eng    *Engine
	db     *replica.DB
	events chan bus.Event
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// newDevice creates a signed-in engine with its own replica, sharing mem
// and c with other devices.
func newDevice(t *testing.T, mem *remotetest.Memory, c clock.Clock, id string, realtime bool) *testDevice {
	t.Helper()

	db, err := replica.Open(filepath.Join(t.TempDir(), id+".db"))
	if err != nil {
		t.Fatalf("Failed to open replica: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New(quietLogger())
	events := make(chan bus.Event, 16)
	b.Subscribe(func(e bus.Event) { events <- e })

	deps := Deps{
		Replica:  db,
		Store:    mem,
		Identity: device.Identity(id),
		Bus:      b,
		Clock:    c,
	}
	if realtime {
		deps.Subscriber = mem
	}

	eng, err := NewWithConfig(deps, &Config{
		Collections: []string{"customers", "gym", "quotations"},
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	t.Cleanup(eng.Stop)

	if err := eng.SignIn(context.Background(), testUser); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	return &testDevice{eng: eng, db: db, events: events}
}

func (d *testDevice) set(t *testing.T, key, value string) {
	t.Helper()
	if err := d.db.Set(context.Background(), key, value); err != nil {
		t.Fatalf("Set(%s) error = %v", key, err)
	}
	d.eng.MarkDirty(key)
}

func (d *testDevice) get(t *testing.T, key string) (string, bool) {
	t.Helper()
	v, ok, err := d.db.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", key, err)
	}
	return v, ok
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewWithConfigValidation(t *testing.T) {
	db, err := replica.Open(filepath.Join(t.TempDir(), "r.db"))
	if err != nil {
		t.Fatalf("Failed to open replica: %v", err)
	}
	defer db.Close()
	mem := remotetest.NewMemory(nil)

	tests := []struct {
		name string
		deps Deps
	}{
		{"nil replica", Deps{Store: mem, Identity: "dev-a"}},
		{"nil store", Deps{Replica: db, Identity: "dev-a"}},
		{"empty identity", Deps{Replica: db, Store: mem}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewWithConfig(tt.deps, nil); err == nil {
				t.Error("expected error")
			}
		})
	}

	eng, err := NewWithConfig(Deps{Replica: db, Store: mem, Identity: "dev-a"}, &Config{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	if got := len(eng.Collections()); got != len(DefaultCollections) {
		t.Errorf("len(Collections()) = %d, want %d", got, len(DefaultCollections))
	}
}

func TestRequiresSignIn(t *testing.T) {
	mem := remotetest.NewMemory(clock.NewFake(testStart))
	d := newDevice(t, mem, clock.NewFake(testStart), "dev-a", false)
	d.eng.SignOut()

	if d.eng.Push(context.Background()) {
		t.Error("Push() = true without a user")
	}
	if !errors.Is(d.eng.Err(), ErrUnauthenticated) {
		t.Errorf("Err() = %v, want ErrUnauthenticated", d.eng.Err())
	}
	if d.eng.Pull(context.Background()) {
		t.Error("Pull() = true without a user")
	}
	if got := d.eng.Status().Error; got != ErrUnauthenticated.Error() {
		t.Errorf("Status().Error = %q", got)
	}
	if mem.Upserts() != 0 {
		t.Errorf("Upserts() = %d, want 0", mem.Upserts())
	}
}

func TestPushSnapshot(t *testing.T) {
	c := clock.NewFake(testStart)
	mem := remotetest.NewMemory(c)
	d := newDevice(t, mem, c, "dev-a", false)
	ctx := context.Background()

	d.set(t, "quotations", `[{"id":"q1"}]`)
	d.set(t, "customers", `[{"id":1}]`)
	if got := d.eng.Status().PendingChanges; got != 2 {
		t.Errorf("PendingChanges = %d, want 2", got)
	}

	if !d.eng.Push(ctx) {
		t.Fatalf("Push() = false: %v", d.eng.Err())
	}

	row := mem.Row(testUser)
	if row == nil {
		t.Fatal("no remote row after push")
	}
	if row.DeviceID != "dev-a" || row.Version != remote.SnapshotVersion {
		t.Errorf("row device/version = %s/%s", row.DeviceID, row.Version)
	}
	if got := strings.Join(row.Keys(), ","); got != "customers,quotations" {
		t.Errorf("row keys = %s; absent keys must be omitted", got)
	}
	if len(row.ChangeLog) != 2 ||
		row.ChangeLog[0].Collection != "customers" ||
		row.ChangeLog[1].Collection != "quotations" {
		t.Fatalf("ChangeLog = %+v", row.ChangeLog)
	}
	for _, entry := range row.ChangeLog {
		if entry.Action != remote.ActionSync || entry.DeviceID != "dev-a" {
			t.Errorf("entry = %+v", entry)
		}
	}

	st := d.eng.Status()
	if !st.LastSync.Equal(row.UpdatedAt) || !st.LastSync.Equal(testStart) {
		t.Errorf("LastSync = %v, want %v", st.LastSync, row.UpdatedAt)
	}
	if st.PendingChanges != 0 || st.Error != "" || st.Syncing {
		t.Errorf("Status() = %+v", st)
	}

	persisted, err := d.db.LastSync(ctx)
	if err != nil || !persisted.Equal(row.UpdatedAt) {
		t.Errorf("replica LastSync = %v, %v", persisted, err)
	}
}

func TestServerTimestamps(t *testing.T) {
	c := clock.NewFake(testStart)
	serverClock := clock.NewFake(testStart.Add(time.Hour))
	mem := remotetest.NewMemory(serverClock)
	d := newDevice(t, mem, c, "dev-a", false)
	d.eng.config.ServerTimestamps = true

	if !d.eng.Push(context.Background()) {
		t.Fatalf("Push() = false: %v", d.eng.Err())
	}
	if got := d.eng.Status().LastSync; !got.Equal(serverClock.Now()) {
		t.Errorf("LastSync = %v, want server time %v", got, serverClock.Now())
	}
}

// Pushing twice without changes leaves one row with the same data.
func TestPushIdempotent(t *testing.T) {
	c := clock.NewFake(testStart)
	mem := remotetest.NewMemory(c)
	d := newDevice(t, mem, c, "dev-a", false)
	ctx := context.Background()

	d.set(t, "customers", `[{"id":1}]`)
	if !d.eng.Push(ctx) {
		t.Fatalf("first Push() = false: %v", d.eng.Err())
	}
	first := mem.Row(testUser)

	c.Advance(time.Minute)
	if !d.eng.Push(ctx) {
		t.Fatalf("second Push() = false: %v", d.eng.Err())
	}
	second := mem.Row(testUser)

	a, _ := json.Marshal(first.Data)
	b, _ := json.Marshal(second.Data)
	if string(a) != string(b) {
		t.Errorf("data changed between pushes:\n%s\n%s", a, b)
	}
	if len(second.ChangeLog) != 1 || second.ChangeLog[0].Collection != "" {
		t.Errorf("empty drain ChangeLog = %+v, want one entry with empty collection", second.ChangeLog)
	}
	if mem.Upserts() != 2 {
		t.Errorf("Upserts() = %d, want 2", mem.Upserts())
	}
}

func TestPushFailureKeepsDirty(t *testing.T) {
	c := clock.NewFake(testStart)
	mem := remotetest.NewMemory(c)
	d := newDevice(t, mem, c, "dev-a", false)
	ctx := context.Background()

	d.set(t, "customers", `[]`)
	mem.FailUpsert(errors.New("connection reset by peer"))

	if d.eng.Push(ctx) {
		t.Fatal("Push() = true with failing remote")
	}
	st := d.eng.Status()
	if st.PendingChanges != 1 {
		t.Errorf("PendingChanges = %d, want 1", st.PendingChanges)
	}
	if !strings.Contains(st.Error, "connection reset") {
		t.Errorf("Status().Error = %q", st.Error)
	}
	if last, _ := d.db.LastSync(ctx); !last.IsZero() {
		t.Errorf("LastSync = %v after failed push, want zero", last)
	}

	mem.FailUpsert(nil)
	if !d.eng.Push(ctx) {
		t.Fatalf("retry Push() = false: %v", d.eng.Err())
	}
	row := mem.Row(testUser)
	if len(row.ChangeLog) != 1 || row.ChangeLog[0].Collection != "customers" {
		t.Errorf("ChangeLog = %+v, want restored customers entry", row.ChangeLog)
	}
	if d.eng.Status().Error != "" || d.eng.Err() != nil {
		t.Errorf("error not cleared after success: %q", d.eng.Status().Error)
	}
}

func TestPushInvalidJSON(t *testing.T) {
	c := clock.NewFake(testStart)
	mem := remotetest.NewMemory(c)
	d := newDevice(t, mem, c, "dev-a", false)

	d.set(t, "customers", `{not json`)
	if d.eng.Push(context.Background()) {
		t.Fatal("Push() = true with invalid JSON")
	}
	if d.eng.Status().PendingChanges != 1 {
		t.Error("dirty marker lost")
	}
}

func TestSchemaMismatch(t *testing.T) {
	c := clock.NewFake(testStart)
	mem := remotetest.NewMemory(c)
	d := newDevice(t, mem, c, "dev-a", false)

	mem.FailUpsert(errors.New(`Could not find the 'change_log' column of 'sync_snapshots' in the Schema Cache`))
	if d.eng.Push(context.Background()) {
		t.Fatal("Push() = true")
	}
	if !errors.Is(d.eng.Err(), ErrSchemaMismatch) {
		t.Errorf("Err() = %v, want ErrSchemaMismatch", d.eng.Err())
	}
	if !strings.Contains(d.eng.Status().Error, "bsync serve --migrate") {
		t.Errorf("Status().Error = %q, want actionable message", d.eng.Status().Error)
	}
}

func TestIsSchemaMismatch(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("SQLITE_ERROR: no such column: change_log"), true},
		{errors.New("table sync_snapshots has no column named version"), true},
		{errors.New(`pq: column "device_id" does not exist`), true},
		{errors.New(`pq: relation "sync_snapshots" does not exist`), true},
		{errors.New("no such table: sync_snapshots"), true},
		{errors.New("file does not exist"), false},
		{errors.New("dial tcp: connection refused"), false},
		{ErrSchemaMismatch, true},
	}
	for _, tt := range tests {
		if got := IsSchemaMismatch(tt.err); got != tt.want {
			t.Errorf("IsSchemaMismatch(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestPullWithoutRemote(t *testing.T) {
	c := clock.NewFake(testStart)
	mem := remotetest.NewMemory(c)
	d := newDevice(t, mem, c, "dev-a", false)
	ctx := context.Background()
	_ = d.db.Set(ctx, "customers", `[{"id":1}]`)

	if d.eng.Pull(ctx) {
		t.Error("Pull() = true with no remote snapshot")
	}
	if v, _ := d.get(t, "customers"); v != `[{"id":1}]` {
		t.Errorf("customers = %s, want untouched", v)
	}
	if d.eng.Status().Error != "" {
		t.Errorf("Status().Error = %q, want empty", d.eng.Status().Error)
	}
}

func TestPullFailure(t *testing.T) {
	c := clock.NewFake(testStart)
	mem := remotetest.NewMemory(c)
	d := newDevice(t, mem, c, "dev-a", false)

	mem.FailFetch(errors.New("503 service unavailable"))
	if d.eng.Pull(context.Background()) {
		t.Error("Pull() = true with failing remote")
	}
	if !strings.Contains(d.eng.Status().Error, "503") {
		t.Errorf("Status().Error = %q", d.eng.Status().Error)
	}
}

// The most recent push is the snapshot every device ends up with.
func TestLastWriteWins(t *testing.T) {
	c := clock.NewFake(testStart)
	mem := remotetest.NewMemory(c)
	a := newDevice(t, mem, c, "dev-a", false)
	b := newDevice(t, mem, c, "dev-b", false)
	third := newDevice(t, mem, c, "dev-c", false)
	ctx := context.Background()

	a.set(t, "customers", `[{"id":1,"name":"Ana"}]`)
	a.set(t, "quotations", `[{"id":"qa"}]`)
	if !a.eng.Push(ctx) {
		t.Fatalf("A Push() = false: %v", a.eng.Err())
	}

	c.Advance(time.Second)
	b.set(t, "customers", `[{"id":2,"name":"Bo"}]`)
	if !b.eng.Push(ctx) {
		t.Fatalf("B Push() = false: %v", b.eng.Err())
	}

	if !third.eng.Pull(ctx) {
		t.Fatalf("Pull() = false: %v", third.eng.Err())
	}
	if v, _ := third.get(t, "customers"); v != `[{"id":2,"name":"Bo"}]` {
		t.Errorf("customers = %s, want B's", v)
	}
	if _, ok := third.get(t, "quotations"); ok {
		t.Error("A's quotations survived B's snapshot")
	}
	if got := third.eng.Status().LastUpdateFrom; got != "dev-b" {
		t.Errorf("LastUpdateFrom = %q, want dev-b", got)
	}

	ev := <-third.events
	if ev.Source != bus.SourcePull || !ev.Has("customers") || ev.DeviceID != "dev-b" {
		t.Errorf("event = %+v", ev)
	}
}

// A snapshot no newer than the sync point is not applied.
func TestStalePullNoop(t *testing.T) {
	c := clock.NewFake(testStart)
	mem := remotetest.NewMemory(c)
	d := newDevice(t, mem, c, "dev-a", false)
	ctx := context.Background()

	d.set(t, "customers", `[{"id":1}]`)
	if !d.eng.Push(ctx) {
		t.Fatalf("Push() = false: %v", d.eng.Err())
	}

	// Equal timestamp: our own snapshot.
	if d.eng.Pull(ctx) {
		t.Error("Pull() of own snapshot = true")
	}

	// Older timestamp with different data.
	mem.Put(&remote.Snapshot{
		UserID:    testUser,
		DeviceID:  "dev-b",
		Data:      map[string]json.RawMessage{"customers": json.RawMessage(`[]`)},
		UpdatedAt: testStart.Add(-time.Minute),
	})
	if d.eng.Pull(ctx) {
		t.Error("Pull() of older snapshot = true")
	}
	if v, _ := d.get(t, "customers"); v != `[{"id":1}]` {
		t.Errorf("customers = %s, want unchanged", v)
	}
	select {
	case ev := <-d.events:
		t.Errorf("unexpected event %+v", ev)
	default:
	}
}

// A pulled snapshot replaces the replica in full, removing keys it lacks.
func TestFullReplace(t *testing.T) {
	c := clock.NewFake(testStart)
	mem := remotetest.NewMemory(c)
	a := newDevice(t, mem, c, "dev-a", false)
	b := newDevice(t, mem, c, "dev-b", false)
	ctx := context.Background()

	a.set(t, "customers", `["x"]`)
	a.set(t, "gym", `["y"]`)
	if !a.eng.Push(ctx) {
		t.Fatalf("A Push() = false: %v", a.eng.Err())
	}

	c.Advance(time.Minute)
	b.set(t, "customers", `["x","z"]`)
	if !b.eng.Push(ctx) {
		t.Fatalf("B Push() = false: %v", b.eng.Err())
	}

	row := mem.Row(testUser)
	if got := strings.Join(row.Keys(), ","); got != "customers" {
		t.Fatalf("remote keys = %s, want customers only", got)
	}

	if !a.eng.Pull(ctx) {
		t.Fatalf("A Pull() = false: %v", a.eng.Err())
	}
	if v, _ := a.get(t, "customers"); v != `["x","z"]` {
		t.Errorf("A customers = %s", v)
	}
	if _, ok := a.get(t, "gym"); ok {
		t.Error("A still holds gym after full replace")
	}

	ev := <-a.events
	if strings.Join(ev.Keys, ",") != "customers,gym" {
		t.Errorf("event keys = %v, want customers and gym", ev.Keys)
	}

	backups, err := a.db.Backups(ctx, "gym")
	if err != nil || len(backups) != 1 || backups[0].Value != `["y"]` {
		t.Errorf("gym backups = %+v, %v", backups, err)
	}
}

func TestPullKeepsCollectionBytes(t *testing.T) {
	c := clock.NewFake(testStart)
	mem := remotetest.NewMemory(c)
	a := newDevice(t, mem, c, "dev-a", false)
	b := newDevice(t, mem, c, "dev-b", false)
	ctx := context.Background()

	a.set(t, "customers", `[ {"name": "A&B <x>"} ]`)
	if !a.eng.Push(ctx) {
		t.Fatalf("A Push() = false: %v", a.eng.Err())
	}
	if got := string(mem.Row(testUser).Data["customers"]); got != `[{"name":"A&B <x>"}]` {
		t.Errorf("remote customers = %s", got)
	}

	// Same content with different spacing is not a change worth a backup.
	b.set(t, "customers", `[{"name": "A&B <x>"}]`)
	if !b.eng.Pull(ctx) {
		t.Fatalf("B Pull() = false: %v", b.eng.Err())
	}
	if v, _ := b.get(t, "customers"); v != `[{"name":"A&B <x>"}]` {
		t.Errorf("B customers = %s", v)
	}
	backups, err := b.db.Backups(ctx, "customers")
	if err != nil || len(backups) != 0 {
		t.Errorf("customers backups = %+v, %v; want none", backups, err)
	}
}

func TestSameJSON(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{`[1,2]`, `[1,2]`, true},
		{`[ 1, 2 ]`, `[1,2]`, true},
		{`{"a":1}`, `{"a":2}`, false},
		{`{oops`, `{oops `, false},
	}
	for _, tt := range tests {
		if got := sameJSON(tt.a, tt.b); got != tt.want {
			t.Errorf("sameJSON(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestPendingCountTracksConcurrentPush(t *testing.T) {
	c := clock.NewFake(testStart)
	mem := remotetest.NewMemory(c)
	d := newDevice(t, mem, c, "dev-a", false)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			d.eng.MarkDirty([]string{"customers", "gym", "quotations"}[i%3])
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			d.eng.Push(ctx)
		}
	}()
	wg.Wait()

	if got, want := d.eng.Status().PendingChanges, len(d.eng.PendingKeys()); got != want {
		t.Errorf("PendingChanges = %d, tracker holds %d", got, want)
	}
}

func TestOfflineCatchUp(t *testing.T) {
	c := clock.NewFake(testStart)
	mem := remotetest.NewMemory(c)
	d := newDevice(t, mem, c, "dev-a", false)
	ctx := context.Background()

	d.eng.SetOnline(false)
	d.set(t, "customers", `[]`)

	if d.eng.Push(ctx) {
		t.Fatal("Push() = true while offline")
	}
	if !errors.Is(d.eng.Err(), ErrOffline) {
		t.Errorf("Err() = %v, want ErrOffline", d.eng.Err())
	}
	if d.eng.Pull(ctx) {
		t.Error("Pull() = true while offline")
	}
	if d.eng.Status().PendingChanges != 1 {
		t.Error("dirty marker lost while offline")
	}

	d.eng.SetOnline(true)
	if mem.Upserts() != 1 {
		t.Fatalf("Upserts() = %d after reconnect, want catch-up push", mem.Upserts())
	}
	if st := d.eng.Status(); st.PendingChanges != 0 || !st.IsOnline || st.Error != "" {
		t.Errorf("Status() = %+v", st)
	}
}

type fakeConnectivity struct {
	err error
}

func (f *fakeConnectivity) Ping(ctx context.Context) error { return f.err }

func TestConnectivityProbe(t *testing.T) {
	c := clock.NewFake(testStart)
	mem := remotetest.NewMemory(c)
	d := newDevice(t, mem, c, "dev-a", false)
	probe := &fakeConnectivity{err: errors.New("no route to host")}
	d.eng.conn = probe
	d.eng.config.ProbeInterval = 10 * time.Second

	d.eng.Start()
	if d.eng.Status().IsOnline {
		t.Fatal("IsOnline after failed initial probe")
	}

	d.set(t, "customers", `[]`)
	probe.err = nil
	c.Advance(10 * time.Second)

	if !d.eng.Status().IsOnline {
		t.Error("IsOnline = false after successful probe")
	}
	if mem.Upserts() != 1 {
		t.Errorf("Upserts() = %d, want catch-up push", mem.Upserts())
	}
}

func TestDebouncedFlush(t *testing.T) {
	c := clock.NewFake(testStart)
	mem := remotetest.NewMemory(c)
	d := newDevice(t, mem, c, "dev-a", false)
	d.eng.config.DebounceInterval = 30 * time.Second

	d.set(t, "customers", `[]`)
	c.Advance(10 * time.Second)
	d.set(t, "quotations", `[]`)

	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want a single debounce timer", c.Pending())
	}

	c.Advance(19 * time.Second)
	if mem.Upserts() != 0 {
		t.Fatalf("pushed before the window closed")
	}

	c.Advance(time.Second)
	if mem.Upserts() != 1 {
		t.Fatalf("Upserts() = %d, want 1 batched push", mem.Upserts())
	}
	if got := len(mem.Row(testUser).ChangeLog); got != 2 {
		t.Errorf("ChangeLog entries = %d, want 2", got)
	}

	// The next mark arms a fresh window.
	d.set(t, "gym", `[]`)
	c.Advance(30 * time.Second)
	if mem.Upserts() != 2 {
		t.Errorf("Upserts() = %d, want 2", mem.Upserts())
	}
}

func TestSignOutCancelsDebounce(t *testing.T) {
	c := clock.NewFake(testStart)
	mem := remotetest.NewMemory(c)
	d := newDevice(t, mem, c, "dev-a", false)
	d.eng.config.DebounceInterval = 30 * time.Second

	d.set(t, "customers", `[]`)
	d.eng.SignOut()
	c.Advance(time.Minute)
	if mem.Upserts() != 0 {
		t.Errorf("Upserts() = %d after sign-out, want 0", mem.Upserts())
	}

	// Signing back in re-arms for the kept markers.
	if err := d.eng.SignIn(context.Background(), testUser); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	c.Advance(30 * time.Second)
	if mem.Upserts() != 1 {
		t.Errorf("Upserts() = %d, want 1", mem.Upserts())
	}
}

// A device ignores notifications about its own pushes.
func TestSelfEchoIgnored(t *testing.T) {
	c := clock.NewFake(testStart)
	mem := remotetest.NewMemory(c)
	d := newDevice(t, mem, c, "dev-a", false)
	ctx := context.Background()
	_ = d.db.Set(ctx, "customers", `["local"]`)

	echo := remote.Notification{Type: remote.EventUpdate, Record: remote.Snapshot{
		UserID:    testUser,
		DeviceID:  "dev-a",
		Data:      map[string]json.RawMessage{"customers": json.RawMessage(`["echo"]`)},
		UpdatedAt: testStart.Add(24 * time.Hour),
	}}
	d.eng.handleNotification(ctx, testUser, echo, quietLogger())

	if v, _ := d.get(t, "customers"); v != `["local"]` {
		t.Errorf("customers = %s, want local value kept", v)
	}
	select {
	case ev := <-d.events:
		t.Errorf("unexpected reload %+v", ev)
	default:
	}

	// The same notification from another device is applied.
	echo.Record.DeviceID = "dev-b"
	d.eng.handleNotification(ctx, testUser, echo, quietLogger())
	if v, _ := d.get(t, "customers"); v != `["echo"]` {
		t.Errorf("customers = %s, want remote value", v)
	}
	if ev := <-d.events; ev.Source != bus.SourceRealtime {
		t.Errorf("event source = %s", ev.Source)
	}
}

func TestRealtimeListener(t *testing.T) {
	mem := remotetest.NewMemory(nil)
	a := newDevice(t, mem, clock.New(), "dev-a", true)
	b := newDevice(t, mem, clock.New(), "dev-b", true)
	ctx := context.Background()

	a.eng.Start()
	b.eng.Start()
	if !a.eng.WaitSubscribed(5*time.Second) || !b.eng.WaitSubscribed(5*time.Second) {
		t.Fatal("listeners did not subscribe")
	}

	b.set(t, "customers", `[{"id":7}]`)
	if !b.eng.Push(ctx) {
		t.Fatalf("B Push() = false: %v", b.eng.Err())
	}

	select {
	case ev := <-a.events:
		// The initial pull may race the notification; either applies it.
		if !ev.Has("customers") || ev.DeviceID != "dev-b" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("A never received B's change")
	}
	if v, _ := a.get(t, "customers"); v != `[{"id":7}]` {
		t.Errorf("A customers = %s", v)
	}
	if got := a.eng.Status().LastUpdateFrom; got != "dev-b" {
		t.Errorf("LastUpdateFrom = %q", got)
	}

	// Transport loss: no resubscribe.
	mem.Disconnect(testUser, io.ErrUnexpectedEOF)
	eventually(t, "listeners to disconnect", func() bool {
		return a.eng.ListenerState() == Disconnected && b.eng.ListenerState() == Disconnected
	})
	time.Sleep(20 * time.Millisecond)
	if n := mem.Count(testUser); n != 0 {
		t.Errorf("Count() = %d after transport loss, want 0", n)
	}
}

func TestListenerPullsOnSubscribe(t *testing.T) {
	mem := remotetest.NewMemory(nil)
	mem.Put(&remote.Snapshot{
		UserID:    testUser,
		DeviceID:  "dev-b",
		Data:      map[string]json.RawMessage{"customers": json.RawMessage(`["remote"]`)},
		UpdatedAt: testStart,
	})
	d := newDevice(t, mem, clock.New(), "dev-a", true)

	d.eng.Start()
	select {
	case ev := <-d.events:
		if ev.Source != bus.SourcePull {
			t.Errorf("event source = %s, want pull", ev.Source)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no pull after subscribing")
	}
	if v, _ := d.get(t, "customers"); v != `["remote"]` {
		t.Errorf("customers = %s", v)
	}
}

func TestSignOutClosesSubscription(t *testing.T) {
	mem := remotetest.NewMemory(nil)
	d := newDevice(t, mem, clock.New(), "dev-a", true)

	d.eng.Start()
	if !d.eng.WaitSubscribed(5 * time.Second) {
		t.Fatal("listener did not subscribe")
	}
	if mem.Count(testUser) != 1 {
		t.Fatalf("Count() = %d, want 1", mem.Count(testUser))
	}

	d.eng.SignOut()
	if mem.Count(testUser) != 0 {
		t.Errorf("Count() = %d after sign-out, want 0", mem.Count(testUser))
	}
	if d.eng.ListenerState() != Disconnected {
		t.Errorf("ListenerState() = %s", d.eng.ListenerState())
	}
}

func TestSubscribeFailure(t *testing.T) {
	mem := remotetest.NewMemory(nil)
	mem.FailSubscribe(remote.ErrUnauthorized)
	d := newDevice(t, mem, clock.New(), "dev-a", true)

	d.eng.Start()
	eventually(t, "subscribe error", func() bool {
		return d.eng.Status().Error != ""
	})
	if d.eng.ListenerState() != Disconnected {
		t.Errorf("ListenerState() = %s", d.eng.ListenerState())
	}
}

func TestOnStatusChange(t *testing.T) {
	c := clock.NewFake(testStart)
	mem := remotetest.NewMemory(c)
	d := newDevice(t, mem, c, "dev-a", false)

	var seen []Status
	unsubscribe := d.eng.OnStatusChange(func(s Status) { seen = append(seen, s) })

	d.eng.MarkDirty("customers")
	d.eng.MarkDirty("customers") // no change
	if len(seen) != 1 || seen[0].PendingChanges != 1 {
		t.Fatalf("seen = %+v", seen)
	}

	unsubscribe()
	d.eng.MarkDirty("gym")
	if len(seen) != 1 {
		t.Errorf("listener called after unsubscribe")
	}
}
