package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/mod/semver"

	"github.com/bizdesk/bsync/internal/bus"
	"github.com/bizdesk/bsync/internal/remote"
	"github.com/bizdesk/bsync/internal/replica"
)

const metaLastUpdateFrom = replica.MetaLastUpdateFrom

// Pull fetches the user's snapshot and applies it when it is strictly
// newer than the local sync point. It returns false when there is no
// remote snapshot, when the snapshot is not newer, or on failure.
func (e *Engine) Pull(ctx context.Context) bool {
	ctx, span := tracer.Start(ctx, "engine.Pull")
	defer span.End()

	userID, err := e.begin()
	if err != nil {
		e.fail(err)
		endSpan(span, err)
		return false
	}
	span.SetAttributes(attribute.String("bsync.user_id", userID))

	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	e.setSyncing(true)
	defer e.setSyncing(false)

	snap, err := e.store.Fetch(ctx, userID)
	if errors.Is(err, remote.ErrNotFound) {
		e.logger.Printf("No remote snapshot for %s yet", userID)
		endSpan(span, nil)
		return false
	}
	if err != nil {
		err = classify(err)
		e.logger.Printf("Pull failed: %v", err)
		e.fail(fmt.Errorf("failed to pull snapshot: %w", err))
		endSpan(span, err)
		return false
	}

	applied, err := e.apply(ctx, snap, bus.SourcePull)
	endSpan(span, err)
	return applied
}

// apply overwrites the replica with snap if it is newer than the local
// sync point. Configured collections missing from snap are deleted.
// The caller holds syncMu.
func (e *Engine) apply(ctx context.Context, snap *remote.Snapshot, source bus.Source) (bool, error) {
	ctx, span := tracer.Start(ctx, "engine.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("bsync.source", string(source)),
		attribute.String("bsync.device_id", snap.DeviceID),
	)

	last, err := e.replica.LastSync(ctx)
	if err != nil {
		err = fmt.Errorf("failed to load sync point: %w", err)
		e.fail(err)
		endSpan(span, err)
		return false, err
	}
	if !snap.UpdatedAt.After(last) {
		e.logger.Printf("Ignoring %s snapshot from %s: %s is not newer than %s",
			source, snap.DeviceID, snap.UpdatedAt.Format(timeLayout), last.Format(timeLayout))
		endSpan(span, nil)
		return false, nil
	}

	if v := snap.Version; semver.IsValid(v) && semver.Compare(v, remote.SnapshotVersion) > 0 {
		e.logger.Printf("Warning: snapshot version %s is newer than %s; applying anyway", v, remote.SnapshotVersion)
	}

	var changed []string
	reason := "before " + string(source) + " from " + snap.DeviceID

	for _, key := range snap.Keys() {
		value := string(snap.Data[key])
		old, ok, err := e.replica.Get(ctx, key)
		if err != nil {
			return false, e.applyFailed(span, fmt.Errorf("failed to read collection %s: %w", key, err))
		}
		if ok && !sameJSON(old, value) {
			if err := e.replica.Backup(ctx, key, old, reason); err != nil {
				e.logger.Printf("Warning: failed to back up %s: %v", key, err)
			}
		}
		if err := e.replica.Set(ctx, key, value); err != nil {
			return false, e.applyFailed(span, fmt.Errorf("failed to write collection %s: %w", key, err))
		}
		changed = append(changed, key)
	}

	for _, key := range e.config.Collections {
		if _, ok := snap.Data[key]; ok {
			continue
		}
		old, ok, err := e.replica.Get(ctx, key)
		if err != nil {
			return false, e.applyFailed(span, fmt.Errorf("failed to read collection %s: %w", key, err))
		}
		if !ok {
			continue
		}
		if err := e.replica.Backup(ctx, key, old, reason); err != nil {
			e.logger.Printf("Warning: failed to back up %s: %v", key, err)
		}
		if err := e.replica.Delete(ctx, key); err != nil {
			return false, e.applyFailed(span, fmt.Errorf("failed to delete collection %s: %w", key, err))
		}
		changed = append(changed, key)
	}
	sort.Strings(changed)

	if err := e.replica.SetLastSync(ctx, snap.UpdatedAt); err != nil {
		return false, e.applyFailed(span, fmt.Errorf("failed to record sync point: %w", err))
	}
	if err := e.replica.SetMeta(ctx, metaLastUpdateFrom, snap.DeviceID); err != nil {
		e.logger.Printf("Warning: failed to record update source: %v", err)
	}

	e.succeed(func(s *Status) {
		s.LastSync = snap.UpdatedAt
		s.LastUpdateFrom = snap.DeviceID
	})

	e.logger.Printf("Applied %s snapshot from %s (%d collections)", source, snap.DeviceID, len(changed))
	span.SetAttributes(attribute.Int("bsync.changed", len(changed)))
	endSpan(span, nil)

	if e.bus != nil {
		e.bus.Publish(bus.Event{
			Keys:     changed,
			Source:   source,
			DeviceID: snap.DeviceID,
			At:       snap.UpdatedAt,
		})
	}
	return true, nil
}

func (e *Engine) applyFailed(span trace.Span, err error) error {
	e.logger.Printf("Apply failed: %v", err)
	e.fail(err)
	endSpan(span, err)
	return err
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"
