package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/bizdesk/bsync/internal/bus"
	"github.com/bizdesk/bsync/internal/clock"
	"github.com/bizdesk/bsync/internal/device"
	"github.com/bizdesk/bsync/internal/remote"
)

// DefaultCollections are the business collections synchronized when the
// configuration doesn't name any.
var DefaultCollections = []string{
	"customers",
	"gym_members",
	"gym_sessions",
	"sauna_bookings",
	"catering_orders",
	"decor_items",
	"entertainment_events",
	"quotations",
}

// Replica is the local persistence the engine reads and overwrites.
// *replica.DB implements it.
type Replica interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
	LastSync(ctx context.Context) (time.Time, error)
	SetLastSync(ctx context.Context, t time.Time) error
	Backup(ctx context.Context, key, value, reason string) error
}

// Connectivity probes whether the remote is reachable.
// *remote.Client implements it.
type Connectivity interface {
	Ping(ctx context.Context) error
}

// Config holds configuration for the engine.
type Config struct {
	// Collections are the replica keys included in every snapshot.
	Collections []string

	// DebounceInterval is how long after the first MarkDirty the batched
	// push runs. Zero disables automatic pushes.
	DebounceInterval time.Duration

	// ProbeInterval is how often connectivity is checked while started.
	ProbeInterval time.Duration

	// RequestTimeout bounds background pushes and probes.
	RequestTimeout time.Duration

	// ServerTimestamps leaves updated_at for the remote to assign.
	ServerTimestamps bool

	// Logger for engine activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Collections:      append([]string(nil), DefaultCollections...),
		DebounceInterval: 30 * time.Second,
		ProbeInterval:    15 * time.Second,
		RequestTimeout:   30 * time.Second,
		Logger:           log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Deps are the collaborators the engine is wired to.
type Deps struct {
	Replica  Replica
	Store    remote.Store
	Identity device.Identity

	// Subscriber enables the realtime listener. Optional.
	Subscriber remote.Subscriber

	// Connectivity enables probing. Without it the engine assumes online.
	Connectivity Connectivity

	// Bus receives invalidation events. Optional.
	Bus *bus.Bus

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Engine synchronizes one device's replica with the remote snapshot.
type Engine struct {
	replica  Replica
	store    remote.Store
	subs     remote.Subscriber
	conn     Connectivity
	bus      *bus.Bus
	clock    clock.Clock
	identity device.Identity
	config   *Config
	logger   *log.Logger

	tracker *Tracker
	status  *statusModel

	// syncMu serializes push and apply.
	syncMu sync.Mutex

	mu           sync.Mutex
	userID       string
	lastErr      error
	started      bool
	debounce     clock.Timer
	probeTimer   clock.Timer
	listenCancel context.CancelFunc
	listenDone   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine with the default configuration.
func New(deps Deps) (*Engine, error) {
	return NewWithConfig(deps, DefaultConfig())
}

// NewWithConfig creates an engine with custom configuration.
func NewWithConfig(deps Deps, config *Config) (*Engine, error) {
	if deps.Replica == nil {
		return nil, fmt.Errorf("replica cannot be nil")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if deps.Identity == "" {
		return nil, fmt.Errorf("device identity cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.Collections) == 0 {
		config.Collections = append([]string(nil), DefaultCollections...)
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		replica:  deps.Replica,
		store:    deps.Store,
		subs:     deps.Subscriber,
		conn:     deps.Connectivity,
		bus:      deps.Bus,
		clock:    deps.Clock,
		identity: deps.Identity,
		config:   config,
		logger:   config.Logger,
		tracker:  NewTracker(),
		status: newStatusModel(Status{
			IsOnline: true,
			DeviceID: deps.Identity.String(),
		}),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Collections returns the configured collection keys.
func (e *Engine) Collections() []string {
	return append([]string(nil), e.config.Collections...)
}

// Identity returns this device's id.
func (e *Engine) Identity() device.Identity {
	return e.identity
}

// SignIn sets the user whose snapshot is synchronized and loads the
// recorded sync point. If the engine is started, the realtime listener
// is (re)started for the new user.
func (e *Engine) SignIn(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user id cannot be empty")
	}

	lastSync, err := e.replica.LastSync(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sync point: %w", err)
	}
	from, _, err := e.replica.GetMeta(ctx, metaLastUpdateFrom)
	if err != nil {
		return fmt.Errorf("failed to load last update source: %w", err)
	}

	e.stopListener()

	e.mu.Lock()
	e.userID = userID
	started := e.started
	if e.tracker.Len() > 0 {
		e.armLocked()
	}
	e.mu.Unlock()

	e.status.update(func(s *Status) {
		s.LastSync = lastSync
		s.LastUpdateFrom = from
		s.PendingChanges = e.tracker.Len()
		if s.Error == ErrUnauthenticated.Error() {
			s.Error = ""
		}
	})

	e.logger.Printf("Signed in as %s on %s", userID, e.identity)
	if started {
		e.startListener(userID)
	}
	return nil
}

// SignOut stops the realtime listener and any pending debounced push.
// Dirty markers are kept for the next sign-in.
func (e *Engine) SignOut() {
	e.stopListener()

	e.mu.Lock()
	user := e.userID
	e.userID = ""
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	e.mu.Unlock()

	if user != "" {
		e.logger.Printf("Signed out %s", user)
	}
}

// UserID returns the signed-in user, or "".
func (e *Engine) UserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

// Status returns a copy of the current sync status.
func (e *Engine) Status() Status {
	return e.status.get()
}

// OnStatusChange registers fn to run after every status change. The
// returned func unregisters it. fn runs on the goroutine that changed the
// status and must not block.
func (e *Engine) OnStatusChange(fn func(Status)) func() {
	return e.status.subscribe(fn)
}

// Err returns the error behind the last failed operation, or nil.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// MarkDirty records a local change to key. The first mark after a flush
// arms the debounce timer; later marks ride along with that flush.
func (e *Engine) MarkDirty(key string) {
	e.tracker.Mark(key)
	// Read under the status lock so a concurrent push can't leave a stale count.
	e.status.update(func(s *Status) { s.PendingChanges = e.tracker.Len() })

	e.mu.Lock()
	defer e.mu.Unlock()
	e.armLocked()
}

// PendingKeys returns the keys marked since the last successful push.
func (e *Engine) PendingKeys() []string {
	return e.tracker.Keys()
}

// armLocked starts the debounce timer unless one is pending. e.mu is held.
func (e *Engine) armLocked() {
	if e.config.DebounceInterval <= 0 || e.debounce != nil || e.userID == "" {
		return
	}
	e.debounce = e.clock.AfterFunc(e.config.DebounceInterval, e.flush)
}

func (e *Engine) flush() {
	e.mu.Lock()
	e.debounce = nil
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(e.ctx, e.config.RequestTimeout)
	defer cancel()
	e.Push(ctx)
}

// SetOnline records connectivity. Coming back online with pending changes
// runs a catch-up push before returning.
func (e *Engine) SetOnline(online bool) {
	was := e.status.get().IsOnline
	e.status.update(func(s *Status) { s.IsOnline = online })

	switch {
	case was && !online:
		e.logger.Println("Remote unreachable, working offline")
	case !was && online:
		e.logger.Println("Remote reachable again")
		if e.tracker.Len() > 0 {
			ctx, cancel := context.WithTimeout(e.ctx, e.config.RequestTimeout)
			defer cancel()
			e.Push(ctx)
		}
	}
}

// Start begins connectivity probing and, when signed in, the realtime
// listener. It returns immediately; call Stop to end background work.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	user := e.userID
	e.mu.Unlock()

	e.logger.Printf("Starting engine for device %s", e.identity)

	if e.conn != nil {
		e.probe()
		e.scheduleProbe()
	}
	if user != "" {
		e.startListener(user)
	}
}

// Stop ends background work and waits for it to finish. A pending
// debounced push is dropped; its keys stay marked.
func (e *Engine) Stop() {
	e.stopListener()

	e.mu.Lock()
	e.started = false
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	if e.probeTimer != nil {
		e.probeTimer.Stop()
		e.probeTimer = nil
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.logger.Println("Engine stopped")
}

func (e *Engine) scheduleProbe() {
	if e.config.ProbeInterval <= 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.probeTimer = e.clock.AfterFunc(e.config.ProbeInterval, func() {
		e.probe()
		e.scheduleProbe()
	})
}

func (e *Engine) probe() {
	ctx, cancel := context.WithTimeout(e.ctx, e.config.RequestTimeout)
	defer cancel()

	err := e.conn.Ping(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Printf("Connectivity probe failed: %v", err)
	}
	if e.ctx.Err() != nil {
		return
	}
	e.SetOnline(err == nil)
}

// begin checks the push/pull preconditions and returns the user.
func (e *Engine) begin() (string, error) {
	e.mu.Lock()
	user := e.userID
	e.mu.Unlock()

	if user == "" {
		return "", ErrUnauthenticated
	}
	if !e.status.get().IsOnline {
		return "", ErrOffline
	}
	return user, nil
}

func (e *Engine) fail(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()

	e.status.update(func(s *Status) {
		s.Error = err.Error()
		s.PendingChanges = e.tracker.Len()
	})
}

func (e *Engine) succeed(fn func(*Status)) {
	e.mu.Lock()
	e.lastErr = nil
	e.mu.Unlock()

	e.status.update(func(s *Status) {
		s.Error = ""
		fn(s)
	})
}

func (e *Engine) setSyncing(on bool) {
	e.status.update(func(s *Status) { s.Syncing = on })
}
