package engine

import (
	"errors"
	"strings"
)

var (
	// ErrUnauthenticated is reported when push or pull runs with no user
	// signed in.
	ErrUnauthenticated = errors.New("not signed in")

	// ErrOffline is reported when push or pull runs while the remote is
	// unreachable. Dirty markers are kept.
	ErrOffline = errors.New("offline: remote is unreachable")

	// ErrSchemaMismatch is reported when the remote table doesn't have the
	// columns this client writes.
	ErrSchemaMismatch = errors.New(`remote sync table does not match this client (run "bsync serve --migrate")`)
)

// IsSchemaMismatch reports whether err looks like a missing table or
// column on the remote side.
func IsSchemaMismatch(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSchemaMismatch) {
		return true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "schema cache"),
		strings.Contains(msg, "no such column"),
		strings.Contains(msg, "has no column named"),
		strings.Contains(msg, "no such table"):
		return true
	case strings.Contains(msg, "does not exist"):
		return strings.Contains(msg, "column") || strings.Contains(msg, "relation")
	}
	return false
}

// classify maps remote failures onto the sentinels callers act on.
func classify(err error) error {
	if IsSchemaMismatch(err) {
		return ErrSchemaMismatch
	}
	return err
}
