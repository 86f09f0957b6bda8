package history

import (
	"context"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
)

type memorySession struct {
	entries  []Entry
	lastSeen time.Time
}

// MemoryStore keeps windows in process memory. Idle sessions are evicted
// by the cleanup loop.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	maxLen   int
	now      func() time.Time
}

// NewMemoryStore creates a MemoryStore. maxLen bounds each session
// regardless of the window requested on append; zero means unbounded.
func NewMemoryStore(maxLen int) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		maxLen:   maxLen,
		now:      time.Now,
	}
}

func (s *MemoryStore) Load(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return []Entry{}, nil
	}
	sess.lastSeen = s.now()
	return trim(sess.entries, limit), nil
}

func (s *MemoryStore) Append(ctx context.Context, sessionID string, window int, entries ...Entry) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &memorySession{}
		s.sessions[sessionID] = sess
	}
	sess.entries = append(sess.entries, entries...)
	if window <= 0 || (s.maxLen > 0 && s.maxLen < window) {
		window = s.maxLen
	}
	sess.entries = trim(sess.entries, window)
	sess.lastSeen = s.now()
	return trim(sess.entries, 0), nil
}

func (s *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of sessions held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// EvictIdle removes sessions not touched within retention and returns how
// many were removed.
func (s *MemoryStore) EvictIdle(retention time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-retention)
	removed := 0
	for id, sess := range s.sessions {
		if sess.lastSeen.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// StartCleanupLoop starts a background goroutine that periodically evicts
// idle sessions. Returns a stop function that should be called to stop the
// cleanup loop.
func (s *MemoryStore) StartCleanupLoop(interval, retention time.Duration, logger observability.Logger) func() {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				s.runCleanupCycle(retention, logger)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (s *MemoryStore) runCleanupCycle(retention time.Duration, logger observability.Logger) {
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Error("history_cleanup_panic_recovered", "error", r)
		}
	}()

	removed := s.EvictIdle(retention)
	if logger != nil && removed > 0 {
		logger.Debug("history_cleanup_completed", "sessions_evicted", removed)
	}
}
