// ABOUTME: Embedded Store on cockroachdb/pebble for single-process deployments without a server
// ABOUTME: Conditional writes are serialized by a process mutex since pebble owns its directory exclusively

package state

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// PebbleStore implements Store on a local pebble database.
type PebbleStore struct {
	dir  string
	opts Options

	// mu guards db and makes read-check-write sequences atomic.
	mu sync.Mutex
	db *pebble.DB
}

// NewPebbleStore creates an unconnected store rooted at dir.
func NewPebbleStore(dir string, opts Options) *PebbleStore {
	return &PebbleStore{dir: dir, opts: opts.withDefaults("state.pebble")}
}

// Connect opens the database directory.
func (p *PebbleStore) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return nil
	}
	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return fmt.Errorf("creating pebble directory: %w", err)
	}
	db, err := pebble.Open(p.dir, &pebble.Options{})
	if err != nil {
		return fmt.Errorf("opening pebble: %w", err)
	}
	p.db = db
	p.opts.Logger.Info("Pebble state store connected", "dir", p.dir)
	return nil
}

// Disconnect flushes and closes the database.
func (p *PebbleStore) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	if err != nil {
		return fmt.Errorf("closing pebble: %w", err)
	}
	return nil
}

func (p *PebbleStore) subKey(threadID string) []byte {
	return []byte(p.opts.subsKey() + ":" + threadID)
}

// encodeEntry prefixes value with its big-endian expiry deadline.
func encodeEntry(deadline int64, value []byte) []byte {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf, uint64(deadline))
	copy(buf[8:], value)
	return buf
}

func decodeEntry(raw []byte) (int64, []byte, error) {
	if len(raw) < 8 {
		return 0, nil, errors.New("corrupt pebble entry")
	}
	return int64(binary.BigEndian.Uint64(raw)), raw[8:], nil
}

// getLocked reads and decodes a key. Callers hold p.mu.
func (p *PebbleStore) getLocked(key []byte) (int64, []byte, error) {
	raw, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, err
	}
	defer closer.Close()

	deadline, value, err := decodeEntry(raw)
	if err != nil {
		return 0, nil, err
	}
	return deadline, bytes.Clone(value), nil
}

func (p *PebbleStore) Get(ctx context.Context, key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil, ErrNotConnected
	}

	k := []byte(p.opts.kvKey(key))
	deadline, value, err := p.getLocked(k)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}
	if expiredAt(deadline, p.opts.Now()) {
		_ = p.db.Delete(k, pebble.NoSync)
		return nil, ErrNotFound
	}
	return value, nil
}

func (p *PebbleStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return ErrNotConnected
	}
	entry := encodeEntry(expiryMillis(p.opts.Now(), ttl), value)
	if err := p.db.Set([]byte(p.opts.kvKey(key)), entry, pebble.Sync); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

func (p *PebbleStore) Delete(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return ErrNotConnected
	}
	if err := p.db.Delete([]byte(p.opts.kvKey(key)), pebble.Sync); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

func (p *PebbleStore) Subscribe(ctx context.Context, threadID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return ErrNotConnected
	}
	if err := p.db.Set(p.subKey(threadID), nil, pebble.Sync); err != nil {
		return fmt.Errorf("subscribing %s: %w", threadID, err)
	}
	return nil
}

func (p *PebbleStore) Unsubscribe(ctx context.Context, threadID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return ErrNotConnected
	}
	if err := p.db.Delete(p.subKey(threadID), pebble.Sync); err != nil {
		return fmt.Errorf("unsubscribing %s: %w", threadID, err)
	}
	return nil
}

func (p *PebbleStore) IsSubscribed(ctx context.Context, threadID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return false, ErrNotConnected
	}
	_, closer, err := p.db.Get(p.subKey(threadID))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking subscription %s: %w", threadID, err)
	}
	closer.Close()
	return true, nil
}

func (p *PebbleStore) ListSubscriptions(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ids, err := p.scanSubscriptions()
		if err != nil {
			yield("", err)
			return
		}
		for _, id := range ids {
			if !yield(id, nil) {
				return
			}
		}
	}
}

func (p *PebbleStore) scanSubscriptions() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil, ErrNotConnected
	}

	prefix := []byte(p.opts.subsKey() + ":")
	upper := append(bytes.Clone(prefix[:len(prefix)-1]), prefix[len(prefix)-1]+1)
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer it.Close()

	var ids []string
	for it.First(); it.Valid(); it.Next() {
		ids = append(ids, string(it.Key()[len(prefix):]))
	}
	return ids, nil
}

func (p *PebbleStore) AcquireLock(ctx context.Context, threadID string, ttl time.Duration) (*Lock, error) {
	ttl, err := lockTTL(ttl)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil, ErrNotConnected
	}

	now := p.opts.Now()
	k := []byte(p.opts.lockKey(threadID))
	deadline, _, err := p.getLocked(k)
	switch {
	case err == nil && !expiredAt(deadline, now):
		return nil, ErrLockHeld
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("reading lock %s: %w", threadID, err)
	}

	lock := newLock(threadID, now.Add(ttl))
	if err := p.db.Set(k, encodeEntry(lock.ExpiresAt.UnixMilli(), []byte(lock.Token)), pebble.Sync); err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", threadID, err)
	}
	return lock, nil
}

func (p *PebbleStore) ExtendLock(ctx context.Context, lock *Lock, ttl time.Duration) (bool, error) {
	ttl, err := lockTTL(ttl)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return false, ErrNotConnected
	}

	now := p.opts.Now()
	k := []byte(p.opts.lockKey(lock.ThreadID))
	deadline, token, err := p.getLocked(k)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading lock %s: %w", lock.ThreadID, err)
	}
	if string(token) != lock.Token || expiredAt(deadline, now) {
		return false, nil
	}

	expires := now.Add(ttl)
	if err := p.db.Set(k, encodeEntry(expires.UnixMilli(), token), pebble.Sync); err != nil {
		return false, fmt.Errorf("extending lock %s: %w", lock.ThreadID, err)
	}
	lock.ExpiresAt = expires
	return true, nil
}

func (p *PebbleStore) ReleaseLock(ctx context.Context, lock *Lock) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return ErrNotConnected
	}

	k := []byte(p.opts.lockKey(lock.ThreadID))
	_, token, err := p.getLocked(k)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading lock %s: %w", lock.ThreadID, err)
	}
	if string(token) != lock.Token {
		return nil
	}
	if err := p.db.Delete(k, pebble.Sync); err != nil {
		return fmt.Errorf("releasing lock %s: %w", lock.ThreadID, err)
	}
	return nil
}
