// Copyright 2026 The Causeway Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a fixed-size SQLite connection pool with
// Causeway-standard pragmas. Both the backend database and every
// per-project database are opened through it.
//
// When a master key is configured, each connection issues PRAGMA key
// before any other statement, so the database file is opened through
// the at-rest encryption layer. Encryption-enabled SQLite builds honor
// the pragma; plain builds ignore it, which keeps development setups
// with encryption disabled working against the same code path.
package sqlitepool

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/causeway-foundation/causeway/lib/secret"
)

// Config holds the parameters for opening a SQLite connection pool.
// Path is required; all other fields have sensible defaults.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist. The file is created if it does not
	// exist. Use ":memory:" for an in-memory database (useful in
	// tests, but the pool size must be 1 since each in-memory
	// connection is independent).
	Path string

	// PoolSize is the number of connections in the pool. If zero or
	// negative, defaults to max(runtime.NumCPU(), 4). SQLite
	// serializes writes regardless of pool size; extra connections
	// help concurrent readers.
	PoolSize int

	// Key is the database master key. When non-nil, every connection
	// issues PRAGMA key with the hex-encoded key before the standard
	// pragmas. The pool borrows the buffer — the caller keeps
	// ownership and must not close it while the pool is open.
	Key *secret.Buffer

	// Logger receives operational messages (pool open/close). If nil,
	// a no-op logger is used.
	Logger *slog.Logger

	// OnConnect is called once per connection after the key and the
	// standard pragmas are applied. Use this for connection-local
	// setup such as custom function registration. If OnConnect
	// returns an error, the connection is discarded and the error is
	// returned to the caller of Take.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool is a fixed-size pool of SQLite connections. It wraps
// sqlitex.Pool and exposes the same Take/Put API.
//
// Pool is safe for concurrent use. Individual connections are not —
// each goroutine must Take its own connection and Put it back when
// done.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates a new connection pool. The database file is created if
// it does not exist. Connections are initialized lazily on first Take.
//
// The caller must call Close when the pool is no longer needed.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, cfg.Key, cfg.OnConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite pool opened",
		"path", cfg.Path,
		"pool_size", poolSize,
		"encrypted", cfg.Key != nil,
	)

	return &Pool{
		inner:  inner,
		logger: logger,
		path:   cfg.Path,
	}, nil
}

// Take borrows a connection from the pool. Blocks until a connection
// is available or ctx is cancelled. The caller MUST call Put when done
// with the connection, typically via defer:
//
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put returns a connection to the pool. Safe to call with nil (no-op).
// After Put, the caller must not use the connection.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// Path returns the database file path the pool was opened with.
func (p *Pool) Path() string {
	return p.path
}

// Close closes all connections in the pool. Blocks until all borrowed
// connections are returned. After Close, Take returns an error.
func (p *Pool) Close() error {
	err := p.inner.Close()
	if err != nil {
		p.logger.Error("sqlite pool close error",
			"path", p.path,
			"error", err,
		)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

// prepareConnection applies the master key and the Causeway-standard
// pragmas, then calls the optional OnConnect callback. Runs once per
// connection in the pool, on first use.
func prepareConnection(conn *sqlite.Conn, key *secret.Buffer, onConnect func(*sqlite.Conn) error) error {
	// The key pragma must run before anything touches database pages.
	if key != nil {
		keyPragma := fmt.Sprintf(`PRAGMA key = "x'%s'"`, hex.EncodeToString(key.Bytes()))
		if err := sqlitex.ExecuteTransient(conn, keyPragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: PRAGMA key: %w", err)
		}
	}

	// WAL mode: concurrent readers, single writer, no reader blocking.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}

	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return fmt.Errorf("sqlitepool: OnConnect: %w", err)
		}
	}

	return nil
}
