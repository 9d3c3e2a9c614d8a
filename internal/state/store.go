// ABOUTME: State coordination contract: TTL key/value, per-thread locks, subscription registry
// ABOUTME: Every backend in this package satisfies Store and the shared contract tests

package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultKeyPrefix namespaces every key a store writes.
const DefaultKeyPrefix = "chat-sdk"

var (
	// ErrNotFound is returned by Get for absent or expired keys.
	ErrNotFound = errors.New("key not found")
	// ErrLockHeld is returned by AcquireLock when a live lock already exists.
	ErrLockHeld = errors.New("lock held")
	// ErrNotConnected is returned by operations issued outside Connect/Disconnect.
	ErrNotConnected = errors.New("state store not connected")
	// ErrInvalidTTL is returned by lock operations given a non-positive ttl.
	ErrInvalidTTL = errors.New("lock ttl must be positive")
)

// Lock proves ownership of a thread for the duration of one processing step.
type Lock struct {
	ThreadID  string
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the lock's lease has lapsed at now.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Store is the durable coordination layer shared by all replicas.
type Store interface {
	// Connect prepares the backend. Repeat calls are no-ops.
	Connect(ctx context.Context) error
	// Disconnect releases the backend. Repeat calls are no-ops.
	Disconnect(ctx context.Context) error

	// Get returns ErrNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A zero ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	Subscribe(ctx context.Context, threadID string) error
	Unsubscribe(ctx context.Context, threadID string) error
	IsSubscribed(ctx context.Context, threadID string) (bool, error)
	// ListSubscriptions enumerates current members. Every range over the
	// returned sequence starts a fresh enumeration.
	ListSubscriptions(ctx context.Context) iter.Seq2[string, error]

	// AcquireLock atomically creates a lock, or fails with ErrLockHeld if a
	// non-expired one exists. A ttl <= 0 fails with ErrInvalidTTL; shorter
	// than a millisecond is rounded up to one.
	AcquireLock(ctx context.Context, threadID string, ttl time.Duration) (*Lock, error)
	// ExtendLock pushes the expiry of a lock the caller still owns. It
	// returns false, without error, if the token no longer matches or the
	// lock has expired. On success lock.ExpiresAt is updated. The ttl rules
	// of AcquireLock apply.
	ExtendLock(ctx context.Context, lock *Lock, ttl time.Duration) (bool, error)
	// ReleaseLock deletes the lock if the token still matches.
	ReleaseLock(ctx context.Context, lock *Lock) error
}

// Options are shared by every backend constructor.
type Options struct {
	KeyPrefix string
	Logger    *slog.Logger
	// Now overrides the clock used for expiry decisions. Redis uses server
	// side expiry and ignores it.
	Now func() time.Time
}

func (o Options) withDefaults(component string) Options {
	if o.KeyPrefix == "" {
		o.KeyPrefix = DefaultKeyPrefix
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Logger = o.Logger.With("component", component)
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (o Options) kvKey(key string) string      { return o.KeyPrefix + ":kv:" + key }
func (o Options) lockKey(thread string) string { return o.KeyPrefix + ":lock:" + thread }
func (o Options) subsKey() string              { return o.KeyPrefix + ":subscriptions" }

// lockTTL validates a lock lease. Every backend stores deadlines with
// millisecond precision.
func lockTTL(ttl time.Duration) (time.Duration, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}
	return max(ttl, time.Millisecond), nil
}

func newLock(threadID string, expiresAt time.Time) *Lock {
	return &Lock{ThreadID: threadID, Token: uuid.NewString(), ExpiresAt: expiresAt}
}

// expiryMillis converts a ttl into an absolute unix-millisecond deadline,
// with 0 meaning no expiry.
func expiryMillis(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixMilli()
}

func expiredAt(deadline int64, now time.Time) bool {
	return deadline != 0 && deadline <= now.UnixMilli()
}

// GetJSON reads key and unmarshals it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

// SetJSON marshals v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// Collect drains a subscription sequence into a slice.
func Collect(seq iter.Seq2[string, error]) ([]string, error) {
	var out []string
	for id, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, id)
	}
	return out, nil
}
