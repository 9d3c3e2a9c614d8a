// ABOUTME: In-process Store backed by mutex-guarded maps with a background expiry sweeper
// ABOUTME: Correct for a single replica and for tests; locks are not shared across processes

package state

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"
)

type memEntry struct {
	value    []byte
	deadline int64 // unix millis, 0 = never
}

// MemoryStore keeps all state in process memory.
type MemoryStore struct {
	opts Options

	mu        sync.Mutex
	connected bool
	values    map[string]memEntry
	locks     map[string]Lock
	subs      map[string]struct{}
	done      chan struct{}
}

// NewMemoryStore creates an unconnected in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:   opts.withDefaults("state.memory"),
		values: make(map[string]memEntry),
		locks:  make(map[string]Lock),
		subs:   make(map[string]struct{}),
	}
}

// Connect starts the expiry sweeper.
func (m *MemoryStore) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return nil
	}
	m.connected = true
	m.done = make(chan struct{})
	go m.sweep(m.done)
	return nil
}

// Disconnect stops the sweeper. Data survives a reconnect.
func (m *MemoryStore) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil
	}
	m.connected = false
	close(m.done)
	return nil
}

func (m *MemoryStore) sweep(done chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.runSweep()
		case <-done:
			return
		}
	}
}

func (m *MemoryStore) runSweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Now()
	for k, e := range m.values {
		if expiredAt(e.deadline, now) {
			delete(m.values, k)
		}
	}
	for k, l := range m.locks {
		if l.Expired(now) {
			delete(m.locks, k)
		}
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	k := m.opts.kvKey(key)
	e, ok := m.values[k]
	if !ok {
		return nil, ErrNotFound
	}
	if expiredAt(e.deadline, m.opts.Now()) {
		delete(m.values, k)
		return nil, ErrNotFound
	}
	return slices.Clone(e.value), nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.values[m.opts.kvKey(key)] = memEntry{value: slices.Clone(value), deadline: expiryMillis(m.opts.Now(), ttl)}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	delete(m.values, m.opts.kvKey(key))
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.subs[threadID] = struct{}{}
	return nil
}

func (m *MemoryStore) Unsubscribe(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	delete(m.subs, threadID)
	return nil
}

func (m *MemoryStore) IsSubscribed(ctx context.Context, threadID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return false, ErrNotConnected
	}
	_, ok := m.subs[threadID]
	return ok, nil
}

func (m *MemoryStore) ListSubscriptions(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		m.mu.Lock()
		if !m.connected {
			m.mu.Unlock()
			yield("", ErrNotConnected)
			return
		}
		ids := make([]string, 0, len(m.subs))
		for id := range m.subs {
			ids = append(ids, id)
		}
		m.mu.Unlock()

		slices.Sort(ids)
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(id, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) AcquireLock(ctx context.Context, threadID string, ttl time.Duration) (*Lock, error) {
	ttl, err := lockTTL(ttl)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, ErrNotConnected
	}

	now := m.opts.Now()
	k := m.opts.lockKey(threadID)
	if existing, ok := m.locks[k]; ok && !existing.Expired(now) {
		return nil, ErrLockHeld
	}
	lock := newLock(threadID, now.Add(ttl))
	m.locks[k] = *lock
	return lock, nil
}

func (m *MemoryStore) ExtendLock(ctx context.Context, lock *Lock, ttl time.Duration) (bool, error) {
	ttl, err := lockTTL(ttl)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return false, ErrNotConnected
	}

	now := m.opts.Now()
	k := m.opts.lockKey(lock.ThreadID)
	current, ok := m.locks[k]
	if !ok || current.Token != lock.Token || current.Expired(now) {
		return false, nil
	}
	current.ExpiresAt = now.Add(ttl)
	m.locks[k] = current
	lock.ExpiresAt = current.ExpiresAt
	return true, nil
}

func (m *MemoryStore) ReleaseLock(ctx context.Context, lock *Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}

	k := m.opts.lockKey(lock.ThreadID)
	if current, ok := m.locks[k]; ok && current.Token == lock.Token {
		delete(m.locks, k)
	}
	return nil
}
