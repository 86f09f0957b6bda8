package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/queryrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/queryrouter/coreengine/testutil"
)

func entry(i int) Entry {
	return Entry{
		Role:      "user",
		Content:   fmt.Sprintf("query %d", i),
		Domain:    envelope.DomainEmployee,
		Success:   true,
		Timestamp: time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
	}
}

func contents(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Content
	}
	return out
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStoreFromClient(client, "test:", time.Hour), mr
}

// =============================================================================
// STORES
// =============================================================================

func TestStores_AppendTrimsToWindow(t *testing.T) {
	redisStore, _ := newRedisStore(t)
	stores := map[string]Store{
		"memory": NewMemoryStore(0),
		"redis":  redisStore,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var window []Entry
			var err error
			for i := 1; i <= 5; i++ {
				window, err = store.Append(ctx, "s1", 3, entry(i))
				require.NoError(t, err)
			}
			assert.Equal(t, []string{"query 3", "query 4", "query 5"}, contents(window))

			loaded, err := store.Load(ctx, "s1", 3)
			require.NoError(t, err)
			assert.Equal(t, window, loaded)

			loaded, err = store.Load(ctx, "s1", 2)
			require.NoError(t, err)
			assert.Equal(t, []string{"query 4", "query 5"}, contents(loaded))

			empty, err := store.Load(ctx, "unknown", 3)
			require.NoError(t, err)
			assert.Empty(t, empty)

			require.NoError(t, store.Clear(ctx, "s1"))
			loaded, err = store.Load(ctx, "s1", 3)
			require.NoError(t, err)
			assert.Empty(t, loaded)
		})
	}
}

func TestRedisStore_RoundTripsEntries(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	e := entry(1)
	e.Intent = envelope.IntentAggregate
	_, err := store.Append(ctx, "s1", 20, e)
	require.NoError(t, err)

	loaded, err := store.Load(ctx, "s1", 20)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, e.Content, loaded[0].Content)
	assert.Equal(t, e.Intent, loaded[0].Intent)
	assert.True(t, e.Timestamp.Equal(loaded[0].Timestamp))
}

func TestRedisStore_RefreshesTTL(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "s1", 20, entry(1))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL("test:s1"))

	mr.FastForward(30 * time.Minute)
	_, err = store.Append(ctx, "s1", 20, entry(2))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL("test:s1"))

	mr.FastForward(2 * time.Hour)
	loaded, err := store.Load(ctx, "s1", 20)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	_, err := store.Append(context.Background(), "s1", 20, entry(1))
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = store.Load(context.Background(), "s1", 20)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestNewRedisStore(t *testing.T) {
	t.Run("bad url", func(t *testing.T) {
		_, err := NewRedisStore(context.Background(), "not-a-url", "", time.Hour)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse Redis URL")
	})

	t.Run("connects", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store, err := NewRedisStore(context.Background(), "redis://"+mr.Addr()+"/0", "", time.Hour)
		require.NoError(t, err)
		defer store.Close()
		assert.Equal(t, "queryrouter:history:s1", store.key("s1"))
	})

	t.Run("unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		_, err := NewRedisStore(context.Background(), "redis://"+addr+"/0", "", time.Hour)
		assert.ErrorIs(t, err, ErrStoreUnavailable)
	})
}

func TestMemoryStore_MaxLenBoundsWindow(t *testing.T) {
	store := NewMemoryStore(2)
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		_, err := store.Append(ctx, "s1", 10, entry(i))
		require.NoError(t, err)
	}
	loaded, _ := store.Load(ctx, "s1", 10)
	assert.Equal(t, []string{"query 3", "query 4"}, contents(loaded))
}

func TestMemoryStore_EvictIdle(t *testing.T) {
	store := NewMemoryStore(20)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = store.Append(ctx, "old", 20, entry(1))
	now = now.Add(2 * time.Hour)
	_, _ = store.Append(ctx, "fresh", 20, entry(2))

	assert.Equal(t, 1, store.EvictIdle(time.Hour))
	assert.Equal(t, 1, store.Len())

	loaded, _ := store.Load(ctx, "fresh", 20)
	assert.Len(t, loaded, 1)
}

func TestMemoryStore_CleanupLoop(t *testing.T) {
	store := NewMemoryStore(20)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	store.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	_, _ = store.Append(context.Background(), "s1", 20, entry(1))

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	logger := testutil.NewMockLogger()
	stop := store.StartCleanupLoop(5*time.Millisecond, time.Minute, logger)
	defer stop()

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	stop()
	stop()
}

// =============================================================================
// MANAGER
// =============================================================================

func TestManager_TurnLifecycle(t *testing.T) {
	m := NewManager(NewMemoryStore(0), 3, nil)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		turn, err := m.Begin(ctx, "s1", nil)
		require.NoError(t, err)
		assert.Len(t, turn.History(), min(i-1, 3))

		window, err := turn.Append(ctx, Entry{Role: "user", Content: fmt.Sprintf("query %d", i)})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(window), 3)
		assert.False(t, window[len(window)-1].Timestamp.IsZero())
		turn.End()
	}

	got, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"query 2", "query 3", "query 4"}, contents(got))

	require.NoError(t, m.Clear(ctx, "s1"))
	got, _ = m.Get(ctx, "s1")
	assert.Empty(t, got)
	assert.Equal(t, 0, m.locks.size())
}

func TestManager_SeedsFromPriorHistory(t *testing.T) {
	m := NewManager(NewMemoryStore(0), 20, nil)
	ctx := context.Background()
	prior := []Entry{entry(1), entry(2)}

	turn, err := m.Begin(ctx, "s1", prior)
	require.NoError(t, err)
	assert.Equal(t, []string{"query 1", "query 2"}, contents(turn.History()))

	window, err := turn.Append(ctx, entry(3))
	require.NoError(t, err)
	turn.End()
	assert.Equal(t, []string{"query 1", "query 2", "query 3"}, contents(window))

	// Stored history wins over caller-supplied history once present.
	turn, err = m.Begin(ctx, "s1", []Entry{entry(9)})
	require.NoError(t, err)
	defer turn.End()
	assert.Equal(t, []string{"query 1", "query 2", "query 3"}, contents(turn.History()))
}

func TestManager_EphemeralSession(t *testing.T) {
	store := NewMemoryStore(0)
	m := NewManager(store, 2, nil)
	ctx := context.Background()

	turn, err := m.Begin(ctx, "", []Entry{entry(1), entry(2), entry(3)})
	require.NoError(t, err)
	assert.Equal(t, []string{"query 2", "query 3"}, contents(turn.History()))

	window, err := turn.Append(ctx, entry(4))
	require.NoError(t, err)
	turn.End()
	assert.Equal(t, []string{"query 3", "query 4"}, contents(window))
	assert.Equal(t, 0, store.Len())
}

func TestManager_SerializesTurnsPerSession(t *testing.T) {
	m := NewManager(NewMemoryStore(0), 100, nil)
	ctx := context.Background()

	const turns = 20
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			turn, err := m.Begin(ctx, "shared", nil)
			if !assert.NoError(t, err) {
				return
			}
			defer turn.End()
			before := len(turn.History())
			window, err := turn.Append(ctx, entry(i))
			assert.NoError(t, err)
			// No other turn may interleave between load and append.
			assert.Equal(t, before+1, len(window))
		}(i)
	}
	wg.Wait()

	got, _ := m.Get(ctx, "shared")
	assert.Len(t, got, turns)
	assert.Equal(t, 0, m.locks.size())
}

func TestManager_BeginHonoursCancellation(t *testing.T) {
	m := NewManager(NewMemoryStore(0), 20, nil)

	held, err := m.Begin(context.Background(), "s1", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Begin(ctx, "s1", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	held.End()
	held.End()

	turn, err := m.Begin(context.Background(), "s1", nil)
	require.NoError(t, err)
	turn.End()
	assert.Equal(t, 0, m.locks.size())
}

func TestManager_StoreFailureDegrades(t *testing.T) {
	store, mr := newRedisStore(t)
	logger := testutil.NewMockLogger()
	m := NewManager(store, 20, logger)
	mr.Close()
	ctx := context.Background()

	turn, err := m.Begin(ctx, "s1", []Entry{entry(1)})
	require.NoError(t, err)
	defer turn.End()
	assert.Len(t, turn.History(), 1)
	assert.True(t, logger.HasLog("warn", "history_load_failed"))

	window, err := turn.Append(ctx, entry(2))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, []string{"query 1", "query 2"}, contents(window))
}
