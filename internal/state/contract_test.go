// ABOUTME: Contract tests every Store backend must pass
// ABOUTME: Runs the same scenarios against memory, sqlite, pebble, redis (miniredis) and optional postgres

package state

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness is a connected store plus a way to move its notion of time.
type harness struct {
	store   Store
	advance func(time.Duration)
}

type backendFactory func(t *testing.T) harness

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) harness {
			clock := newFakeClock()
			return connect(t, NewMemoryStore(Options{Now: clock.Now}), clock.Advance)
		},
		"sqlite": func(t *testing.T) harness {
			clock := newFakeClock()
			s := NewSQLiteStore(t.TempDir()+"/state.db", Options{Now: clock.Now})
			return connect(t, s, clock.Advance)
		},
		"pebble": func(t *testing.T) harness {
			clock := newFakeClock()
			return connect(t, NewPebbleStore(t.TempDir(), Options{Now: clock.Now}), clock.Advance)
		},
		"redis": func(t *testing.T) harness {
			mr := startTestRedis(t)
			clock := newFakeClock()
			s := NewRedisStore("redis://"+mr.Addr(), Options{Now: clock.Now})
			return connect(t, s, func(d time.Duration) {
				clock.Advance(d)
				mr.FastForward(d)
			})
		},
		"postgres": func(t *testing.T) harness {
			dsn := os.Getenv("COVEN_CHAT_TEST_POSTGRES_DSN")
			if dsn == "" {
				t.Skip("COVEN_CHAT_TEST_POSTGRES_DSN not set")
			}
			clock := newFakeClock()
			s, err := NewPostgresStore(dsn, Options{Now: clock.Now, KeyPrefix: "test-" + uuid.NewString()})
			require.NoError(t, err)
			return connect(t, s, clock.Advance)
		},
	}
}

func startTestRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return mr
}

func connect(t *testing.T, s Store, advance func(time.Duration)) harness {
	t.Helper()
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Disconnect(context.Background()) })
	return harness{store: s, advance: advance}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, h harness)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestStore_KeyValue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		s := h.store

		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Set(ctx, "gchat:botId", []byte("users/123"), 0))
		got, err := s.Get(ctx, "gchat:botId")
		require.NoError(t, err)
		assert.Equal(t, []byte("users/123"), got)

		require.NoError(t, s.Set(ctx, "gchat:botId", []byte("users/456"), 0))
		got, err = s.Get(ctx, "gchat:botId")
		require.NoError(t, err)
		assert.Equal(t, []byte("users/456"), got)

		require.NoError(t, s.Delete(ctx, "gchat:botId"))
		_, err = s.Get(ctx, "gchat:botId")
		assert.ErrorIs(t, err, ErrNotFound)

		// Deleting an absent key is not an error.
		require.NoError(t, s.Delete(ctx, "gchat:botId"))
	})
}

func TestStore_TTL(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		s := h.store

		require.NoError(t, s.Set(ctx, "short", []byte("v"), 2*time.Second))
		require.NoError(t, s.Set(ctx, "forever", []byte("v"), 0))

		h.advance(time.Second)
		_, err := s.Get(ctx, "short")
		require.NoError(t, err)

		h.advance(2 * time.Second)
		_, err = s.Get(ctx, "short")
		assert.ErrorIs(t, err, ErrNotFound)

		h.advance(48 * time.Hour)
		_, err = s.Get(ctx, "forever")
		assert.NoError(t, err)
	})
}

func TestStore_JSONHelpers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		type info struct {
			Name string `json:"name"`
		}

		require.NoError(t, SetJSON(ctx, h.store, "user", info{Name: "Ada"}, time.Hour))
		var got info
		require.NoError(t, GetJSON(ctx, h.store, "user", &got))
		assert.Equal(t, "Ada", got.Name)

		assert.ErrorIs(t, GetJSON(ctx, h.store, "nobody", &got), ErrNotFound)
	})
}

func TestStore_Subscriptions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		s := h.store

		ok, err := s.IsSubscribed(ctx, "gchat:spaces/A")
		require.NoError(t, err)
		assert.False(t, ok)

		for _, id := range []string{"gchat:spaces/A", "gchat:spaces/B", "matrix:IXI6eA"} {
			require.NoError(t, s.Subscribe(ctx, id))
		}
		require.NoError(t, s.Subscribe(ctx, "gchat:spaces/A"))

		ok, err = s.IsSubscribed(ctx, "gchat:spaces/A")
		require.NoError(t, err)
		assert.True(t, ok)

		ids, err := Collect(s.ListSubscriptions(ctx))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"gchat:spaces/A", "gchat:spaces/B", "matrix:IXI6eA"}, ids)

		require.NoError(t, s.Unsubscribe(ctx, "gchat:spaces/B"))
		ok, err = s.IsSubscribed(ctx, "gchat:spaces/B")
		require.NoError(t, err)
		assert.False(t, ok)

		ids, err = Collect(s.ListSubscriptions(ctx))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"gchat:spaces/A", "matrix:IXI6eA"}, ids)
	})
}

func TestStore_ListSubscriptionsRestartable(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		for _, id := range []string{"t:1", "t:2", "t:3"} {
			require.NoError(t, h.store.Subscribe(ctx, id))
		}

		seq := h.store.ListSubscriptions(ctx)

		// Stop after the first member.
		count := 0
		for _, err := range seq {
			require.NoError(t, err)
			count++
			break
		}
		assert.Equal(t, 1, count)

		// Ranging again starts over rather than continuing.
		ids, err := Collect(seq)
		require.NoError(t, err)
		assert.Len(t, ids, 3)
	})
}

func TestStore_AcquireLock(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		s := h.store

		lock, err := s.AcquireLock(ctx, "gchat:spaces/A", 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "gchat:spaces/A", lock.ThreadID)
		assert.NotEmpty(t, lock.Token)

		_, err = s.AcquireLock(ctx, "gchat:spaces/A", 30*time.Second)
		assert.ErrorIs(t, err, ErrLockHeld)

		other, err := s.AcquireLock(ctx, "gchat:spaces/B", 30*time.Second)
		require.NoError(t, err)
		assert.NotEqual(t, lock.Token, other.Token)

		require.NoError(t, s.ReleaseLock(ctx, lock))
		again, err := s.AcquireLock(ctx, "gchat:spaces/A", 30*time.Second)
		require.NoError(t, err)
		assert.NotEqual(t, lock.Token, again.Token)
	})
}

func TestStore_AcquireLockConcurrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		const contenders = 16

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			acquired int
			held     int
			other    []error
		)
		start := make(chan struct{})
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := h.store.AcquireLock(ctx, "gchat:spaces/race", time.Minute)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					acquired++
				case errors.Is(err, ErrLockHeld):
					held++
				default:
					other = append(other, err)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Empty(t, other)
		assert.Equal(t, 1, acquired)
		assert.Equal(t, contenders-1, held)
	})
}

func TestStore_LockExpiry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		s := h.store

		_, err := s.AcquireLock(ctx, "t:1", 5*time.Second)
		require.NoError(t, err)

		h.advance(6 * time.Second)
		_, err = s.AcquireLock(ctx, "t:1", 5*time.Second)
		assert.NoError(t, err, "expired lock must not block a new owner")
	})
}

func TestStore_ExtendLock(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		s := h.store

		lock, err := s.AcquireLock(ctx, "t:1", 5*time.Second)
		require.NoError(t, err)
		before := lock.ExpiresAt

		h.advance(3 * time.Second)
		ok, err := s.ExtendLock(ctx, lock, 5*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, lock.ExpiresAt.After(before))

		// Past the original expiry but within the extension.
		h.advance(3 * time.Second)
		_, err = s.AcquireLock(ctx, "t:1", 5*time.Second)
		assert.ErrorIs(t, err, ErrLockHeld)

		forged := &Lock{ThreadID: "t:1", Token: "not-the-owner"}
		ok, err = s.ExtendLock(ctx, forged, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_StaleTokenCannotTouchNewOwner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		s := h.store

		stale, err := s.AcquireLock(ctx, "t:1", 2*time.Second)
		require.NoError(t, err)

		h.advance(3 * time.Second)
		owner, err := s.AcquireLock(ctx, "t:1", 30*time.Second)
		require.NoError(t, err)

		ok, err := s.ExtendLock(ctx, stale, time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.ReleaseLock(ctx, stale))

		// The new owner still holds the lock.
		_, err = s.AcquireLock(ctx, "t:1", time.Second)
		assert.ErrorIs(t, err, ErrLockHeld)

		ok, err = s.ExtendLock(ctx, owner, 30*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestStore_ExtendExpiredLock(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()

		lock, err := h.store.AcquireLock(ctx, "t:1", time.Second)
		require.NoError(t, err)

		h.advance(2 * time.Second)
		ok, err := h.store.ExtendLock(ctx, lock, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_LockTTLBounds(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		s := h.store

		for _, ttl := range []time.Duration{0, -time.Second} {
			_, err := s.AcquireLock(ctx, "t:zero", ttl)
			assert.ErrorIs(t, err, ErrInvalidTTL, "ttl %s", ttl)
		}
		// A rejected acquire must not leave a lock behind.
		lock, err := s.AcquireLock(ctx, "t:zero", time.Minute)
		require.NoError(t, err)
		_, err = s.ExtendLock(ctx, lock, 0)
		assert.ErrorIs(t, err, ErrInvalidTTL)
		_, err = s.AcquireLock(ctx, "t:zero", time.Minute)
		assert.ErrorIs(t, err, ErrLockHeld, "rejected extend must leave the lock alone")

		// Sub-millisecond leases round up rather than vanish.
		short, err := s.AcquireLock(ctx, "t:short", 500*time.Microsecond)
		require.NoError(t, err)
		ok, err := s.ExtendLock(ctx, short, 500*time.Microsecond)
		require.NoError(t, err)
		assert.True(t, ok)
		_, err = s.AcquireLock(ctx, "t:short", time.Minute)
		assert.ErrorIs(t, err, ErrLockHeld)

		h.advance(5 * time.Millisecond)
		_, err = s.AcquireLock(ctx, "t:short", time.Minute)
		assert.NoError(t, err, "expired short lease is reacquirable")
	})
}

func TestStore_ConnectLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		s := h.store

		require.NoError(t, s.Connect(ctx), "repeat connect is a no-op")

		require.NoError(t, s.Disconnect(ctx))
		require.NoError(t, s.Disconnect(ctx), "repeat disconnect is a no-op")

		_, err := s.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNotConnected)
		_, err = s.AcquireLock(ctx, "t:1", time.Second)
		assert.ErrorIs(t, err, ErrNotConnected)
		_, err = Collect(s.ListSubscriptions(ctx))
		assert.ErrorIs(t, err, ErrNotConnected)

		require.NoError(t, s.Connect(ctx))
		require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	})
}

func TestOpen(t *testing.T) {
	tests := []struct {
		dsn  string
		want any
	}{
		{"memory://", &MemoryStore{}},
		{"sqlite:///tmp/chat.db", &SQLiteStore{}},
		{"/tmp/chat.db", &SQLiteStore{}},
		{"pebble:///tmp/chat-state", &PebbleStore{}},
		{"redis://localhost:6379/0", &RedisStore{}},
		{"postgres://u:p@localhost/chat?sslmode=disable", &PostgresStore{}},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			s, err := Open(tt.dsn, Options{})
			require.NoError(t, err)
			assert.IsType(t, tt.want, s)
		})
	}

	sqlite, err := Open("sqlite:///var/lib/chat.db", Options{})
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/chat.db", sqlite.(*SQLiteStore).path)

	_, err = Open("", Options{})
	assert.Error(t, err)
	_, err = Open("mongodb://x", Options{})
	assert.Error(t, err)
	_, err = Open("sqlite://", Options{})
	assert.Error(t, err)
}

func TestMemoryStore_Sweep(t *testing.T) {
	clock := newFakeClock()
	m := NewMemoryStore(Options{Now: clock.Now})
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))
	defer m.Disconnect(ctx)

	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 0))
	_, err := m.AcquireLock(ctx, "t:1", time.Second)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	m.runSweep()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.values, 1)
	assert.Empty(t, m.locks)
}
