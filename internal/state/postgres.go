// ABOUTME: Postgres Store using lib/pq, for replicas that share a database
// ABOUTME: Lock acquisition is a single conditional upsert, bounded by a per-operation timeout

package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS chat_kv (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		expires_at BIGINT NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS chat_locks (
		key        TEXT PRIMARY KEY,
		token      TEXT NOT NULL,
		expires_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_subscriptions (
		namespace  TEXT NOT NULL,
		thread_id  TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (namespace, thread_id)
	);
`

// PostgresStore implements Store on a Postgres database.
type PostgresStore struct {
	dsn  string
	opts Options

	mu sync.Mutex
	db *sql.DB
}

// NewPostgresStore creates an unconnected store for dsn.
func NewPostgresStore(dsn string, opts Options) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	return &PostgresStore{dsn: dsn, opts: opts.withDefaults("state.postgres")}, nil
}

// Connect opens a pool and creates the schema if needed.
func (p *PostgresStore) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return nil
	}

	db, err := sql.Open("postgres", p.dsn)
	if err != nil {
		return fmt.Errorf("opening postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return fmt.Errorf("creating schema: %w", err)
	}

	p.db = db
	p.opts.Logger.Info("Postgres state store connected")
	return nil
}

// Disconnect closes the pool.
func (p *PostgresStore) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	if err != nil {
		return fmt.Errorf("closing postgres: %w", err)
	}
	return nil
}

// begin returns the pool and a context bounded by the operation timeout.
func (p *PostgresStore) begin(ctx context.Context) (*sql.DB, context.Context, context.CancelFunc, error) {
	p.mu.Lock()
	db := p.db
	p.mu.Unlock()
	if db == nil {
		return nil, nil, nil, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	return db, ctx, cancel, nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	db, ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	k := p.opts.kvKey(key)
	var value []byte
	var deadline int64
	err = db.QueryRowContext(ctx, `SELECT value, expires_at FROM chat_kv WHERE key = $1`, k).Scan(&value, &deadline)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", key, err)
	}
	if expiredAt(deadline, p.opts.Now()) {
		_, _ = db.ExecContext(ctx, `DELETE FROM chat_kv WHERE key = $1 AND expires_at = $2`, k, deadline)
		return nil, ErrNotFound
	}
	return value, nil
}

func (p *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	db, ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = db.ExecContext(ctx, `
		INSERT INTO chat_kv (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, p.opts.kvKey(key), value, expiryMillis(p.opts.Now(), ttl))
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	db, ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if _, err := db.ExecContext(ctx, `DELETE FROM chat_kv WHERE key = $1`, p.opts.kvKey(key)); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) Subscribe(ctx context.Context, threadID string) error {
	db, ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = db.ExecContext(ctx, `
		INSERT INTO chat_subscriptions (namespace, thread_id, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (namespace, thread_id) DO NOTHING
	`, p.opts.KeyPrefix, threadID, p.opts.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("subscribing %s: %w", threadID, err)
	}
	return nil
}

func (p *PostgresStore) Unsubscribe(ctx context.Context, threadID string) error {
	db, ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = db.ExecContext(ctx, `DELETE FROM chat_subscriptions WHERE namespace = $1 AND thread_id = $2`, p.opts.KeyPrefix, threadID)
	if err != nil {
		return fmt.Errorf("unsubscribing %s: %w", threadID, err)
	}
	return nil
}

func (p *PostgresStore) IsSubscribed(ctx context.Context, threadID string) (bool, error) {
	db, ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	var exists bool
	err = db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM chat_subscriptions WHERE namespace = $1 AND thread_id = $2)
	`, p.opts.KeyPrefix, threadID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking subscription %s: %w", threadID, err)
	}
	return exists, nil
}

func (p *PostgresStore) ListSubscriptions(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		db, qctx, cancel, err := p.begin(ctx)
		if err != nil {
			yield("", err)
			return
		}
		ids, err := querySubscriptions(qctx, db, `SELECT thread_id FROM chat_subscriptions WHERE namespace = $1 ORDER BY thread_id`, p.opts.KeyPrefix)
		cancel()
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

func (p *PostgresStore) AcquireLock(ctx context.Context, threadID string, ttl time.Duration) (*Lock, error) {
	ttl, err := lockTTL(ttl)
	if err != nil {
		return nil, err
	}
	db, ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	now := p.opts.Now()
	lock := newLock(threadID, now.Add(ttl))
	res, err := db.ExecContext(ctx, `
		INSERT INTO chat_locks (key, token, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
		WHERE chat_locks.expires_at <= $4
	`, p.opts.lockKey(threadID), lock.Token, lock.ExpiresAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", threadID, err)
	}
	return lockFromResult(res, lock)
}

func (p *PostgresStore) ExtendLock(ctx context.Context, lock *Lock, ttl time.Duration) (bool, error) {
	ttl, err := lockTTL(ttl)
	if err != nil {
		return false, err
	}
	db, ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()

	now := p.opts.Now()
	expires := now.Add(ttl)
	res, err := db.ExecContext(ctx, `
		UPDATE chat_locks SET expires_at = $1 WHERE key = $2 AND token = $3 AND expires_at > $4
	`, expires.UnixMilli(), p.opts.lockKey(lock.ThreadID), lock.Token, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("extending lock %s: %w", lock.ThreadID, err)
	}
	return extendFromResult(res, lock, expires)
}

func (p *PostgresStore) ReleaseLock(ctx context.Context, lock *Lock) error {
	db, ctx, cancel, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = db.ExecContext(ctx, `DELETE FROM chat_locks WHERE key = $1 AND token = $2`, p.opts.lockKey(lock.ThreadID), lock.Token)
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", lock.ThreadID, err)
	}
	return nil
}
