package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizdesk/bsync/internal/remote"
)

var tracer = otel.Tracer("github.com/bizdesk/bsync/internal/engine")

// Push uploads every configured collection as the user's snapshot.
//
// Drained dirty keys become change log entries. On failure the keys are
// restored, the replica is left untouched and false is returned; the
// reason is in Status().Error. There are no retries.
func (e *Engine) Push(ctx context.Context) bool {
	ctx, span := tracer.Start(ctx, "engine.Push")
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

	data := make(map[string]json.RawMessage, len(e.config.Collections))
	for _, key := range e.config.Collections {
		value, ok, err := e.replica.Get(ctx, key)
		if err != nil {
			err = fmt.Errorf("failed to read collection %s: %w", key, err)
			e.fail(err)
			endSpan(span, err)
			return false
		}
		if !ok {
			continue
		}
		compact, err := compactJSON(value)
		if err != nil {
			err = fmt.Errorf("collection %s does not hold valid JSON", key)
			e.fail(err)
			endSpan(span, err)
			return false
		}
		data[key] = compact
	}

	drained := e.tracker.Drain()
	now := e.clock.Now().UTC()
	snap := &remote.Snapshot{
		UserID:    userID,
		Data:      data,
		DeviceID:  e.identity.String(),
		Version:   remote.SnapshotVersion,
		ChangeLog: changeLog(drained, e.identity.String(), now),
	}
	if !e.config.ServerTimestamps {
		snap.UpdatedAt = now
	}
	span.SetAttributes(
		attribute.Int("bsync.collections", len(data)),
		attribute.Int("bsync.dirty", len(drained)),
	)

	stored, err := e.store.Upsert(ctx, snap)
	if err != nil {
		e.tracker.Restore(drained)
		err = classify(err)
		e.logger.Printf("Push failed: %v", err)
		e.fail(fmt.Errorf("failed to push snapshot: %w", err))
		endSpan(span, err)
		return false
	}

	if err := e.replica.SetLastSync(ctx, stored.UpdatedAt); err != nil {
		e.logger.Printf("Warning: failed to record sync point: %v", err)
	}

	e.succeed(func(s *Status) {
		s.LastSync = stored.UpdatedAt
		s.PendingChanges = e.tracker.Len()
	})

	e.logger.Printf("Pushed %d collections (%d changed) at %s",
		len(data), len(drained), stored.UpdatedAt.Format(time.RFC3339))
	endSpan(span, nil)
	return true
}

// changeLog builds one entry per drained key, or a single entry with an
// empty collection when nothing was marked.
func changeLog(keys []string, deviceID string, at time.Time) []remote.ChangeLogEntry {
	if len(keys) == 0 {
		return []remote.ChangeLogEntry{{Timestamp: at, DeviceID: deviceID, Action: remote.ActionSync}}
	}

	entries := make([]remote.ChangeLogEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, remote.ChangeLogEntry{
			Timestamp:  at,
			DeviceID:   deviceID,
			Action:     remote.ActionSync,
			Collection: k,
		})
	}
	return entries
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// compactJSON returns value without insignificant whitespace. Every
// backend stores collections in this form.
func compactJSON(value string) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(value)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// sameJSON reports whether a and b differ only in whitespace.
func sameJSON(a, b string) bool {
	if a == b {
		return true
	}
	ca, errA := compactJSON(a)
	cb, errB := compactJSON(b)
	return errA == nil && errB == nil && bytes.Equal(ca, cb)
}
