package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix prefixes the per-user Redis channel.
const DefaultChannelPrefix = "bsync:snapshots:"

// RedisFanout relays notifications between server instances over Redis
// pub/sub. Install it as the store's Publisher and run it against the
// local Hub: every instance, including the writer, receives the change
// from Redis and forwards it to its own subscribers.
type RedisFanout struct {
	client *redis.Client
	prefix string
	local  Publisher
	logger *log.Logger
}

// NewRedisFanout creates a fan-out that forwards to local.
func NewRedisFanout(client *redis.Client, local Publisher, logger *log.Logger) *RedisFanout {
	if logger == nil {
		logger = log.New(os.Stderr, "[redis] ", log.LstdFlags)
	}
	return &RedisFanout{
		client: client,
		prefix: DefaultChannelPrefix,
		local:  local,
		logger: logger,
	}
}

// Channel returns the Redis channel for userID.
func (f *RedisFanout) Channel(userID string) string {
	return f.prefix + userID
}

// Publish implements Publisher.
func (f *RedisFanout) Publish(ctx context.Context, n Notification) error {
	data, err := Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := f.client.Publish(ctx, f.Channel(n.Record.UserID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

// Run forwards notifications from Redis to the local publisher until ctx
// is cancelled.
func (f *RedisFanout) Run(ctx context.Context) error {
	ps := f.client.PSubscribe(ctx, f.prefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to redis: %w", err)
	}
	f.logger.Printf("Relaying notifications on %s*", f.prefix)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				f.logger.Printf("Warning: dropping malformed notification on %s: %v", msg.Channel, err)
				continue
			}
			if want := strings.TrimPrefix(msg.Channel, f.prefix); n.Record.UserID != want {
				f.logger.Printf("Warning: notification for %s arrived on %s", n.Record.UserID, msg.Channel)
				continue
			}
			if err := f.local.Publish(ctx, n); err != nil {
				f.logger.Printf("Warning: local publish failed: %v", err)
			}
		}
	}
}
