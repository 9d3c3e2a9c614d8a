// ABOUTME: Builds a Store from a DSN: memory://, sqlite://, postgres://, redis://, pebble://
// ABOUTME: A bare filesystem path is treated as a SQLite database

package state

import (
	"fmt"
	"net/url"
	"strings"
)

// Open returns an unconnected Store for dsn. Call Connect before use.
func Open(dsn string, opts Options) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("state dsn is required")
	}

	scheme, rest, hasScheme := strings.Cut(dsn, "://")
	if !hasScheme {
		return NewSQLiteStore(dsn, opts), nil
	}

	switch strings.ToLower(scheme) {
	case "memory", "mem":
		return NewMemoryStore(opts), nil
	case "sqlite", "file":
		path, err := dsnPath(rest)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(path, opts), nil
	case "pebble":
		path, err := dsnPath(rest)
		if err != nil {
			return nil, err
		}
		return NewPebbleStore(path, opts), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn, opts)
	case "redis", "rediss":
		return NewRedisStore(dsn, opts), nil
	default:
		return nil, fmt.Errorf("unsupported state dsn scheme %q", scheme)
	}
}

// dsnPath accepts both sqlite:///abs/path and sqlite://relative/path.
func dsnPath(rest string) (string, error) {
	path, err := url.PathUnescape(rest)
	if err != nil {
		return "", fmt.Errorf("parsing dsn path: %w", err)
	}
	if path == "" {
		return "", fmt.Errorf("dsn path is empty")
	}
	return path, nil
}
