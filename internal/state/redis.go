// ABOUTME: Redis Store using go-redis with SET NX PX locks and Lua compare-and-set
// ABOUTME: Key expiry is enforced by the Redis server rather than the local clock

package state

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Both scripts only touch the key if the caller still owns it.
var (
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisStore implements Store on a Redis server.
type RedisStore struct {
	url  string
	opts Options

	mu     sync.Mutex
	client *redis.Client
}

// NewRedisStore creates an unconnected store for a redis:// or rediss:// URL.
func NewRedisStore(url string, opts Options) *RedisStore {
	return &RedisStore{url: url, opts: opts.withDefaults("state.redis")}
}

// Connect dials Redis and verifies it answers.
func (r *RedisStore) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return nil
	}

	ro, err := redis.ParseURL(r.url)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(ro)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("pinging redis: %w", err)
	}

	r.client = client
	r.opts.Logger.Info("Redis state store connected", "addr", ro.Addr)
	return nil
}

// Disconnect closes the client.
func (r *RedisStore) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	if err != nil {
		return fmt.Errorf("closing redis: %w", err)
	}
	return nil
}

func (r *RedisStore) conn() (*redis.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil, ErrNotConnected
	}
	return r.client, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	c, err := r.conn()
	if err != nil {
		return nil, err
	}
	value, err := c.Get(ctx, r.opts.kvKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}
	return value, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c, err := r.conn()
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := c.Set(ctx, r.opts.kvKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	c, err := r.conn()
	if err != nil {
		return err
	}
	if err := c.Del(ctx, r.opts.kvKey(key)).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Subscribe(ctx context.Context, threadID string) error {
	c, err := r.conn()
	if err != nil {
		return err
	}
	if err := c.SAdd(ctx, r.opts.subsKey(), threadID).Err(); err != nil {
		return fmt.Errorf("subscribing %s: %w", threadID, err)
	}
	return nil
}

func (r *RedisStore) Unsubscribe(ctx context.Context, threadID string) error {
	c, err := r.conn()
	if err != nil {
		return err
	}
	if err := c.SRem(ctx, r.opts.subsKey(), threadID).Err(); err != nil {
		return fmt.Errorf("unsubscribing %s: %w", threadID, err)
	}
	return nil
}

func (r *RedisStore) IsSubscribed(ctx context.Context, threadID string) (bool, error) {
	c, err := r.conn()
	if err != nil {
		return false, err
	}
	ok, err := c.SIsMember(ctx, r.opts.subsKey(), threadID).Result()
	if err != nil {
		return false, fmt.Errorf("checking subscription %s: %w", threadID, err)
	}
	return ok, nil
}

// ListSubscriptions walks the set with SSCAN. SSCAN may repeat members, so
// each enumeration filters duplicates.
func (r *RedisStore) ListSubscriptions(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		c, err := r.conn()
		if err != nil {
			yield("", err)
			return
		}

		seen := make(map[string]struct{})
		it := c.SScan(ctx, r.opts.subsKey(), 0, "", 100).Iterator()
		for it.Next(ctx) {
			id := it.Val()
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if !yield(id, nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield("", fmt.Errorf("scanning subscriptions: %w", err))
		}
	}
}

func (r *RedisStore) AcquireLock(ctx context.Context, threadID string, ttl time.Duration) (*Lock, error) {
	ttl, err := lockTTL(ttl)
	if err != nil {
		return nil, err
	}
	c, err := r.conn()
	if err != nil {
		return nil, err
	}

	lock := newLock(threadID, r.opts.Now().Add(ttl))
	ok, err := c.SetNX(ctx, r.opts.lockKey(threadID), lock.Token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", threadID, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return lock, nil
}

func (r *RedisStore) ExtendLock(ctx context.Context, lock *Lock, ttl time.Duration) (bool, error) {
	ttl, err := lockTTL(ttl)
	if err != nil {
		return false, err
	}
	c, err := r.conn()
	if err != nil {
		return false, err
	}

	expires := r.opts.Now().Add(ttl)
	n, err := extendScript.Run(ctx, c, []string{r.opts.lockKey(lock.ThreadID)}, lock.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("extending lock %s: %w", lock.ThreadID, err)
	}
	if n == 0 {
		return false, nil
	}
	lock.ExpiresAt = expires
	return true, nil
}

func (r *RedisStore) ReleaseLock(ctx context.Context, lock *Lock) error {
	c, err := r.conn()
	if err != nil {
		return err
	}
	if err := releaseScript.Run(ctx, c, []string{r.opts.lockKey(lock.ThreadID)}, lock.Token).Err(); err != nil {
		return fmt.Errorf("releasing lock %s: %w", lock.ThreadID, err)
	}
	return nil
}
