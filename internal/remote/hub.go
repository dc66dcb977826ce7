package remote

import (
	"context"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"
)

// DefaultSubscriberBuffer is the per-subscription notification buffer.
const DefaultSubscriberBuffer = 16

// Hub fans notifications out to subscriptions of the same user.
// It implements both Publisher and Subscriber.
type Hub struct {
	mu     sync.RWMutex
	users  map[string]map[*hubSubscription]bool
	buffer int
	logger *log.Logger
}

// NewHub creates an empty hub. If logger is nil, stderr is used.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stderr, "[hub] ", log.LstdFlags)
	}
	return &Hub{
		users:  make(map[string]map[*hubSubscription]bool),
		buffer: DefaultSubscriberBuffer,
		logger: logger,
	}
}

// Publish delivers n to every subscription of n.Record.UserID without
// blocking. A subscription whose buffer is full is dropped with
// ErrSlowConsumer.
func (h *Hub) Publish(ctx context.Context, n Notification) error {
	h.mu.RLock()
	targets := make([]*hubSubscription, 0, len(h.users[n.Record.UserID]))
	for s := range h.users[n.Record.UserID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- n:
		default:
			h.logger.Printf("Dropping slow subscriber %s (user %s)", s.id, s.userID)
			s.end(ErrSlowConsumer)
		}
	}
	return nil
}

// Subscribe registers a subscription for userID. It is confirmed
// immediately.
func (h *Hub) Subscribe(ctx context.Context, userID string) (Subscription, error) {
	s := &hubSubscription{
		id:     uuid.NewString(),
		userID: userID,
		hub:    h,
		ch:     make(chan Notification, h.buffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.users[userID] == nil {
		h.users[userID] = make(map[*hubSubscription]bool)
	}
	h.users[userID][s] = true
	count := len(h.users[userID])
	h.mu.Unlock()

	h.logger.Printf("Subscriber %s joined user %s (total: %d)", s.id, userID, count)
	return s, nil
}

// Count returns the number of open subscriptions for userID.
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

func (h *Hub) remove(s *hubSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.users[s.userID]
	if !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.users, s.userID)
	}
}

type hubSubscription struct {
	id     string
	userID string
	hub    *Hub
	ch     chan Notification

	once sync.Once
	done chan struct{}
	err  error
}

func (s *hubSubscription) Notifications() <-chan Notification { return s.ch }

func (s *hubSubscription) Done() <-chan struct{} { return s.done }

func (s *hubSubscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *hubSubscription) Close() error {
	s.end(ErrClosed)
	return nil
}

func (s *hubSubscription) end(err error) {
	s.once.Do(func() {
		s.err = err
		s.hub.remove(s)
		close(s.done)
	})
}

// Disconnect ends every subscription of userID with err. Used to simulate
// or propagate a transport failure.
func (h *Hub) Disconnect(userID string, err error) {
	h.mu.RLock()
	targets := make([]*hubSubscription, 0, len(h.users[userID]))
	for s := range h.users[userID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.end(err)
	}
}
