// Package history keeps the bounded conversation window per session and
// serializes turns within a session.
package history

import (
	"context"
	"errors"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/envelope"
)

// Entry is one recorded turn.
type Entry = envelope.HistoryEntry

// ErrStoreUnavailable wraps every store failure.
var ErrStoreUnavailable = errors.New("history store unavailable")

// Store persists session windows. Append must be atomic: the new entries
// are added and the list trimmed to window in one step, and the returned
// slice is the post-append window.
type Store interface {
	Load(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Append(ctx context.Context, sessionID string, window int, entries ...Entry) ([]Entry, error)
	Clear(ctx context.Context, sessionID string) error
	Close() error
}

// trim keeps the last window entries. Zero or less keeps everything.
func trim(entries []Entry, window int) []Entry {
	if window > 0 && len(entries) > window {
		entries = entries[len(entries)-window:]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}
