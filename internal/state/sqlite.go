// ABOUTME: SQLite Store using modernc.org/sqlite with WAL and conditional upserts for locks
// ABOUTME: Safe across processes sharing one database file

package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS locks (
		key        TEXT PRIMARY KEY,
		token      TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		namespace  TEXT NOT NULL,
		thread_id  TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, thread_id)
	);
`

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	path string
	opts Options

	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore creates an unconnected store for the database at path.
func NewSQLiteStore(path string, opts Options) *SQLiteStore {
	return &SQLiteStore{path: path, opts: opts.withDefaults("state.sqlite")}
}

// Connect opens the database and creates the schema if needed.
func (s *SQLiteStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}

	// busy_timeout is per connection, so it goes in the DSN where every
	// pooled connection picks it up.
	dsn := s.path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("creating schema: %w", err)
	}

	s.db = db
	s.opts.Logger.Info("SQLite state store connected", "path", s.path)
	return nil
}

// Disconnect closes the database.
func (s *SQLiteStore) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrNotConnected
	}
	return s.db, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	k := s.opts.kvKey(key)
	var value []byte
	var deadline int64
	err = db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, k).Scan(&value, &deadline)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", key, err)
	}
	if expiredAt(deadline, s.opts.Now()) {
		// Lazy cleanup; only removes the row if nobody rewrote it meanwhile.
		_, _ = db.ExecContext(ctx, `DELETE FROM kv WHERE key = ? AND expires_at = ?`, k, deadline)
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, s.opts.kvKey(key), value, expiryMillis(s.opts.Now(), ttl))
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, s.opts.kvKey(key)); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Subscribe(ctx context.Context, threadID string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO subscriptions (namespace, thread_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(namespace, thread_id) DO NOTHING
	`, s.opts.KeyPrefix, threadID, s.opts.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("subscribing %s: %w", threadID, err)
	}
	return nil
}

func (s *SQLiteStore) Unsubscribe(ctx context.Context, threadID string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM subscriptions WHERE namespace = ? AND thread_id = ?`, s.opts.KeyPrefix, threadID)
	if err != nil {
		return fmt.Errorf("unsubscribing %s: %w", threadID, err)
	}
	return nil
}

func (s *SQLiteStore) IsSubscribed(ctx context.Context, threadID string) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	var one int
	err = db.QueryRowContext(ctx, `SELECT 1 FROM subscriptions WHERE namespace = ? AND thread_id = ?`, s.opts.KeyPrefix, threadID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking subscription %s: %w", threadID, err)
	}
	return true, nil
}

func (s *SQLiteStore) ListSubscriptions(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		db, err := s.conn()
		if err != nil {
			yield("", err)
			return
		}
		ids, err := querySubscriptions(ctx, db, `SELECT thread_id FROM subscriptions WHERE namespace = ? ORDER BY thread_id`, s.opts.KeyPrefix)
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

// querySubscriptions buffers the result so callers may issue further store
// operations while ranging without holding a pooled connection.
func querySubscriptions(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscriptions: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) AcquireLock(ctx context.Context, threadID string, ttl time.Duration) (*Lock, error) {
	ttl, err := lockTTL(ttl)
	if err != nil {
		return nil, err
	}
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	now := s.opts.Now()
	lock := newLock(threadID, now.Add(ttl))
	// One statement: insert, or take over only a row whose lease has lapsed.
	res, err := db.ExecContext(ctx, `
		INSERT INTO locks (key, token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
		WHERE locks.expires_at <= ?
	`, s.opts.lockKey(threadID), lock.Token, lock.ExpiresAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", threadID, err)
	}
	return lockFromResult(res, lock)
}

func (s *SQLiteStore) ExtendLock(ctx context.Context, lock *Lock, ttl time.Duration) (bool, error) {
	ttl, err := lockTTL(ttl)
	if err != nil {
		return false, err
	}
	db, err := s.conn()
	if err != nil {
		return false, err
	}

	now := s.opts.Now()
	expires := now.Add(ttl)
	res, err := db.ExecContext(ctx, `
		UPDATE locks SET expires_at = ? WHERE key = ? AND token = ? AND expires_at > ?
	`, expires.UnixMilli(), s.opts.lockKey(lock.ThreadID), lock.Token, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("extending lock %s: %w", lock.ThreadID, err)
	}
	return extendFromResult(res, lock, expires)
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, lock *Lock) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND token = ?`, s.opts.lockKey(lock.ThreadID), lock.Token)
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", lock.ThreadID, err)
	}
	return nil
}

func lockFromResult(res sql.Result, lock *Lock) (*Lock, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reading lock result: %w", err)
	}
	if n == 0 {
		return nil, ErrLockHeld
	}
	return lock, nil
}

func extendFromResult(res sql.Result, lock *Lock, expires time.Time) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading lock result: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	lock.ExpiresAt = expires
	return true, nil
}
