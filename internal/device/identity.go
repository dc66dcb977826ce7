// Package device issues and persists the stable identifier of this
// installation and keeps the local device registry.
//
// The registry is local bookkeeping only and is never synchronized.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bizdesk/bsync/internal/clock"
	"github.com/bizdesk/bsync/internal/replica"
)

// Version is reported in the user agent string.
var Version = "0.4.0"

// Identity is the stable id of this installation.
type Identity string

// String returns the id.
func (id Identity) String() string {
	return string(id)
}

// Record is one entry of the local device registry.
type Record struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	UserAgent    string    `json:"user_agent"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// MetaStore is the slice of the replica the provider persists into.
type MetaStore interface {
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Provider hands out the device id, generating it on first use.
type Provider struct {
	store MetaStore
	clock clock.Clock
	name  string

	mu     sync.Mutex
	cached Identity
}

// NewProvider creates a provider persisting into store. displayName is
// recorded in the registry; when empty the hostname is used.
func NewProvider(store MetaStore, c clock.Clock, displayName string) *Provider {
	if c == nil {
		c = clock.New()
	}
	if displayName == "" {
		displayName = hostname()
	}
	return &Provider{store: store, clock: c, name: displayName}
}

// DeviceID returns the id of this installation. The first call on a fresh
// replica generates and persists it and registers the device.
func (p *Provider) DeviceID(ctx context.Context) (Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" {
		return p.cached, nil
	}

	stored, ok, err := p.store.GetMeta(ctx, replica.MetaDeviceID)
	if err != nil {
		return "", fmt.Errorf("failed to load device id: %w", err)
	}

	id := Identity(stored)
	if !ok || stored == "" {
		id = generate(p.clock.Now())
		if err := p.store.SetMeta(ctx, replica.MetaDeviceID, id.String()); err != nil {
			return "", fmt.Errorf("failed to persist device id: %w", err)
		}
	}

	if err := p.register(ctx, id); err != nil {
		return "", err
	}

	p.cached = id
	return id, nil
}

// Devices returns the local registry.
func (p *Provider) Devices(ctx context.Context) ([]Record, error) {
	raw, ok, err := p.store.GetMeta(ctx, replica.MetaDeviceRegistry)
	if err != nil {
		return nil, fmt.Errorf("failed to load device registry: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}

	var records []Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, fmt.Errorf("failed to decode device registry: %w", err)
	}
	return records, nil
}

// Touch updates LastSeen of this device's registry entry.
func (p *Provider) Touch(ctx context.Context) error {
	id, err := p.DeviceID(ctx)
	if err != nil {
		return err
	}

	records, err := p.Devices(ctx)
	if err != nil {
		return err
	}
	for i := range records {
		if records[i].ID == id.String() {
			records[i].LastSeen = p.clock.Now().UTC()
		}
	}
	return p.saveRegistry(ctx, records)
}

// register appends id to the registry if it is not already present.
func (p *Provider) register(ctx context.Context, id Identity) error {
	records, err := p.Devices(ctx)
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.ID == id.String() {
			return nil
		}
	}

	now := p.clock.Now().UTC()
	records = append(records, Record{
		ID:           id.String(),
		DisplayName:  p.name,
		UserAgent:    UserAgent(),
		RegisteredAt: now,
		LastSeen:     now,
	})
	return p.saveRegistry(ctx, records)
}

func (p *Provider) saveRegistry(ctx context.Context, records []Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode device registry: %w", err)
	}
	if err := p.store.SetMeta(ctx, replica.MetaDeviceRegistry, string(data)); err != nil {
		return fmt.Errorf("failed to save device registry: %w", err)
	}
	return nil
}

// generate builds "dev-<unix millis>-<8 hex>". Collisions only weaken
// self-echo filtering, so a random suffix is enough.
func generate(now time.Time) Identity {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return Identity(fmt.Sprintf("dev-%d-%s", now.UnixMilli(), suffix))
}

// UserAgent describes this client build and platform.
func UserAgent() string {
	return fmt.Sprintf("bsync/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown-device"
	}
	return h
}
