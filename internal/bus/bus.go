// Package bus is the in-process invalidation bus.
//
// The sync engine publishes an Event whenever a remote snapshot overwrites
// local collections. Consumers either subscribe to every event (a full
// reload) or only to the collection keys they render.
package bus

import (
	"log"
	"os"
	"sort"
	"sync"
	"time"
)

// Source identifies what caused an overwrite.
type Source string

const (
	// SourcePull is an explicit or scheduled pull.
	SourcePull Source = "pull"
	// SourceRealtime is a change notification from another device.
	SourceRealtime Source = "realtime"
)

// Event says which collections changed.
type Event struct {
	// Keys are the collection keys that were written or removed, sorted.
	Keys []string
	// Source is pull or realtime.
	Source Source
	// DeviceID is the device that produced the applied snapshot.
	DeviceID string
	// At is the updated_at of the applied snapshot.
	At time.Time
}

// Has reports whether key is one of the changed keys.
func (e Event) Has(key string) bool {
	i := sort.SearchStrings(e.Keys, key)
	return i < len(e.Keys) && e.Keys[i] == key
}

// Handler receives events. Handlers run synchronously on the publisher's
// goroutine and must not block.
type Handler func(Event)

type subscription struct {
	id      int
	keys    map[string]bool // nil means every event
	handler Handler
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	logger *log.Logger
}

// New creates an empty bus. If logger is nil, stderr is used.
func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[bus] ", log.LstdFlags)
	}
	return &Bus{
		subs:   make(map[int]*subscription),
		logger: logger,
	}
}

// Subscribe registers h for every event. The returned func unsubscribes.
func (b *Bus) Subscribe(h Handler) func() {
	return b.add(&subscription{handler: h})
}

// SubscribeKeys registers h for events touching at least one of keys.
// The handler still receives the full event. With no keys it behaves
// like Subscribe.
func (b *Bus) SubscribeKeys(h Handler, keys ...string) func() {
	if len(keys) == 0 {
		return b.Subscribe(h)
	}
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return b.add(&subscription{keys: set, handler: h})
}

func (b *Bus) add(s *subscription) func() {
	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s.id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to matching subscribers. Keys are sorted in place.
// A panicking handler is logged and does not stop delivery to the others.
func (b *Bus) Publish(e Event) {
	sort.Strings(e.Keys)

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.keys == nil || s.matches(e) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	for _, s := range targets {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("Handler %d panicked: %v", s.id, r)
		}
	}()
	s.handler(e)
}

func (s *subscription) matches(e Event) bool {
	for _, k := range e.Keys {
		if s.keys[k] {
			return true
		}
	}
	return false
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
