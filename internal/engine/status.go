package engine

import (
	"sort"
	"sync"
	"time"
)

// ListenerState is the realtime listener's connection state.
type ListenerState int

const (
	Disconnected ListenerState = iota
	Subscribing
	Subscribed
)

func (s ListenerState) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

// Status is a point-in-time copy of the engine's sync state.
type Status struct {
	IsOnline       bool
	LastSync       time.Time
	Syncing        bool
	Error          string
	PendingChanges int
	DeviceID       string
	LastUpdateFrom string
	Realtime       ListenerState
}

// statusModel holds the live Status. Only the engine mutates it.
type statusModel struct {
	mu        sync.Mutex
	status    Status
	listeners map[int]func(Status)
	nextID    int
}

func newStatusModel(initial Status) *statusModel {
	return &statusModel{
		status:    initial,
		listeners: make(map[int]func(Status)),
	}
}

func (m *statusModel) get() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// update applies fn and signals listeners if anything changed.
func (m *statusModel) update(fn func(*Status)) {
	m.mu.Lock()
	before := m.status
	fn(&m.status)
	after := m.status
	changed := before != after

	var fns []func(Status)
	if changed {
		ids := make([]int, 0, len(m.listeners))
		for id := range m.listeners {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			fns = append(fns, m.listeners[id])
		}
	}
	m.mu.Unlock()

	for _, f := range fns {
		f(after)
	}
}

func (m *statusModel) subscribe(fn func(Status)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}
