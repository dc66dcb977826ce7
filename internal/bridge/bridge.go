// Package bridge mirrors replica collections to <collection>.json files in
// a directory.
//
// Local edits to the files are imported into the replica and marked dirty,
// so the engine pushes them after its debounce window. Collections
// overwritten by a pull or a realtime change are exported back to their
// files. Writes made by the bridge itself are not re-imported.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/bizdesk/bsync/internal/bus"
)

// Replica is the local store the bridge imports into and exports from.
type Replica interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Marker records local changes. *engine.Engine implements it.
type Marker interface {
	MarkDirty(key string)
}

// Config holds configuration for the bridge.
type Config struct {
	// Dir holds the collection files.
	Dir string

	// Collections are the keys mirrored. Other files are ignored.
	Collections []string

	// Logger for bridge activity
	Logger *log.Logger
}

// Bridge connects a directory of collection files to the replica.
type Bridge struct {
	replica Replica
	marker  Marker
	bus     *bus.Bus
	config  *Config
	logger  *log.Logger
	keys    map[string]bool

	watcher     *Watcher
	unsubscribe func()

	// last holds what the bridge itself last wrote per key; nil means it
	// removed the file.
	mu   sync.Mutex
	last map[string]*string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bridge. Call Start to begin mirroring.
func New(replica Replica, marker Marker, b *bus.Bus, config *Config) (*Bridge, error) {
	if replica == nil {
		return nil, fmt.Errorf("replica cannot be nil")
	}
	if marker == nil {
		return nil, fmt.Errorf("marker cannot be nil")
	}
	if config == nil || config.Dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[bridge] ", log.LstdFlags)
	}

	keys := make(map[string]bool, len(config.Collections))
	for _, k := range config.Collections {
		keys[k] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		replica: replica,
		marker:  marker,
		bus:     b,
		config:  config,
		logger:  config.Logger,
		keys:    keys,
		last:    make(map[string]*string),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start exports the current replica to the directory, then watches it and
// listens for remote overwrites on the bus.
func (br *Bridge) Start() error {
	if err := os.MkdirAll(br.config.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", br.config.Dir, err)
	}

	exported, err := br.ExportAll(br.ctx)
	if err != nil {
		return err
	}
	br.logger.Printf("Exported %d collections to %s", exported, br.config.Dir)

	w, err := NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Start(br.config.Dir); err != nil {
		_ = w.Stop()
		return err
	}
	br.watcher = w

	if br.bus != nil {
		br.unsubscribe = br.bus.SubscribeKeys(br.handleBusEvent, br.config.Collections...)
	}

	br.wg.Add(1)
	go br.run()

	br.logger.Printf("Watching %s", br.config.Dir)
	return nil
}

// Stop ends watching and waits for pending imports.
func (br *Bridge) Stop() error {
	if br.unsubscribe != nil {
		br.unsubscribe()
	}
	br.cancel()

	var err error
	if br.watcher != nil {
		err = br.watcher.Stop()
	}
	br.wg.Wait()
	return err
}

func (br *Bridge) run() {
	defer br.wg.Done()

	for {
		select {
		case <-br.ctx.Done():
			return

		case fe, ok := <-br.watcher.Events():
			if !ok {
				return
			}
			if err := br.Import(br.ctx, fe); err != nil {
				br.logger.Printf("Warning: import of %s failed: %v", fe.Path, err)
			}

		case err, ok := <-br.watcher.Errors():
			if !ok {
				return
			}
			br.logger.Printf("Watcher error: %v", err)
		}
	}
}

// Import applies one file event to the replica and marks the key dirty.
// Events caused by the bridge's own writes, unchanged content and files
// holding invalid JSON are skipped.
func (br *Bridge) Import(ctx context.Context, fe FileEvent) error {
	if !br.keys[fe.Key] {
		return nil
	}

	switch fe.Op {
	case OpWrite:
		data, err := os.ReadFile(fe.Path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", fe.Path, err)
		}
		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			// Editors truncate before writing; wait for the content.
			return nil
		}
		if !json.Valid(data) {
			return fmt.Errorf("%s does not hold valid JSON", filepath.Base(fe.Path))
		}
		value := string(data)
		if br.isEcho(fe.Key, &value) {
			return nil
		}

		current, ok, err := br.replica.Get(ctx, fe.Key)
		if err != nil {
			return err
		}
		if ok && current == value {
			return nil
		}
		if err := br.replica.Set(ctx, fe.Key, value); err != nil {
			return err
		}
		br.logger.Printf("Imported %s", fe.Key)

	case OpDelete:
		if _, err := os.Stat(fe.Path); err == nil {
			// Replaced by rename; the create event carries the content.
			return nil
		}
		if br.isEcho(fe.Key, nil) {
			return nil
		}
		_, ok, err := br.replica.Get(ctx, fe.Key)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := br.replica.Delete(ctx, fe.Key); err != nil {
			return err
		}
		br.logger.Printf("Removed %s", fe.Key)
	}

	br.mu.Lock()
	delete(br.last, fe.Key)
	br.mu.Unlock()

	br.marker.MarkDirty(fe.Key)
	return nil
}

// ExportAll writes every mirrored collection present in the replica to its
// file and returns how many were written.
func (br *Bridge) ExportAll(ctx context.Context) (int, error) {
	n := 0
	for _, key := range br.config.Collections {
		value, ok, err := br.replica.Get(ctx, key)
		if err != nil {
			return n, fmt.Errorf("failed to read %s: %w", key, err)
		}
		if !ok {
			continue
		}
		if err := br.export(key, &value); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (br *Bridge) handleBusEvent(e bus.Event) {
	for _, key := range e.Keys {
		if !br.keys[key] {
			continue
		}
		value, ok, err := br.replica.Get(br.ctx, key)
		if err != nil {
			br.logger.Printf("Warning: failed to read %s for export: %v", key, err)
			continue
		}
		var content *string
		if ok {
			content = &value
		}
		if err := br.export(key, content); err != nil {
			br.logger.Printf("Warning: export of %s failed: %v", key, err)
			continue
		}
		br.logger.Printf("Exported %s (%s from %s)", key, e.Source, e.DeviceID)
	}
}

// export writes value to <key>.json, or removes the file when value is nil.
func (br *Bridge) export(key string, value *string) error {
	path := br.path(key)

	br.mu.Lock()
	br.last[key] = value
	br.mu.Unlock()

	if value == nil {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
		return nil
	}

	tmp := filepath.Join(br.config.Dir, "."+key+".json.tmp")
	if err := os.WriteFile(tmp, []byte(*value), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// isEcho reports whether value matches what the bridge last wrote for key.
func (br *Bridge) isEcho(key string, value *string) bool {
	br.mu.Lock()
	defer br.mu.Unlock()

	last, ok := br.last[key]
	if !ok {
		return false
	}
	if last == nil || value == nil {
		return last == nil && value == nil
	}
	return *last == *value
}

func (br *Bridge) path(key string) string {
	return filepath.Join(br.config.Dir, key+".json")
}
