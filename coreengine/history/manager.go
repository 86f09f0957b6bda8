package history

import (
	"context"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/observability"
)

// Manager is the context manager: it loads a session's window at the start
// of a turn, holds the session lock until the turn ends and appends the
// turn's entry.
type Manager struct {
	store  Store
	window int
	locks  *keyedMutex
	logger observability.Logger
	now    func() time.Time
}

// NewManager creates a Manager over store keeping window entries per
// session.
func NewManager(store Store, window int, logger observability.Logger) *Manager {
	if store == nil {
		store = NewMemoryStore(window)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Manager{
		store:  store,
		window: window,
		locks:  newKeyedMutex(),
		logger: logger.Bind("component", "history"),
		now:    time.Now,
	}
}

// Store returns the underlying store.
func (m *Manager) Store() Store { return m.store }

// Window returns the configured window size.
func (m *Manager) Window() int { return m.window }

// Turn is one locked turn of a session.
type Turn struct {
	m         *Manager
	sessionID string
	history   []Entry
	// seed is caller-supplied history written ahead of the first entry
	// when the store had none.
	seed   []Entry
	unlock func()
}

// Begin locks sessionID and loads its window. When the store holds nothing
// for the session, prior (trimmed to the window) is used instead and is
// persisted with the turn's entry. An empty sessionID gives an ephemeral
// turn that never touches the store. Store failures degrade to prior with
// a warning; only a cancelled ctx is returned as an error.
func (m *Manager) Begin(ctx context.Context, sessionID string, prior []Entry) (*Turn, error) {
	t := &Turn{m: m, sessionID: sessionID, unlock: func() {}}
	if sessionID == "" {
		t.history = trim(prior, m.window)
		return t, nil
	}

	unlock, err := m.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	t.unlock = unlock

	loaded, err := m.store.Load(ctx, sessionID, m.window)
	if err != nil {
		if ctx.Err() != nil {
			unlock()
			return nil, ctx.Err()
		}
		m.logger.Warn("history_load_failed", "session_id", sessionID, "error", err.Error())
		loaded = nil
	}
	if len(loaded) == 0 && len(prior) > 0 {
		t.seed = trim(prior, m.window)
		loaded = t.seed
	}
	t.history = loaded
	return t, nil
}

// History returns the window loaded at the start of the turn.
func (t *Turn) History() []Entry {
	return trim(t.history, 0)
}

// Append records entry and returns the post-append window. On store
// failure the window is computed locally and the error returned.
func (t *Turn) Append(ctx context.Context, entry Entry) ([]Entry, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.m.now().UTC()
	}
	local := trim(append(t.History(), entry), t.m.window)
	if t.sessionID == "" {
		t.history = local
		return local, nil
	}

	entries := append(t.seed, entry)
	window, err := t.m.store.Append(ctx, t.sessionID, t.m.window, entries...)
	if err != nil {
		t.m.logger.Warn("history_append_failed", "session_id", t.sessionID, "error", err.Error())
		t.history = local
		return local, err
	}
	t.seed = nil
	t.history = window
	return window, nil
}

// End releases the session lock. Safe to call more than once.
func (t *Turn) End() {
	t.unlock()
	t.unlock = func() {}
}

// Get returns a session's window without locking it.
func (m *Manager) Get(ctx context.Context, sessionID string) ([]Entry, error) {
	return m.store.Load(ctx, sessionID, m.window)
}

// Clear removes a session's history, waiting for any running turn.
func (m *Manager) Clear(ctx context.Context, sessionID string) error {
	unlock, err := m.locks.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()
	return m.store.Clear(ctx, sessionID)
}

// Close closes the store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// keyedMutex is a set of mutexes created on demand per key and dropped when
// no holder or waiter remains.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires key, giving up when ctx is done. The returned func releases
// it and must be called exactly once.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { k.release(key, l, true) }) }, nil
	case <-ctx.Done():
		k.release(key, l, false)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(key string, l *keyLock, held bool) {
	if held {
		<-l.ch
	}
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// size is the number of live keys.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
