// Copyright 2026 The Causeway Authors
// SPDX-License-Identifier: Apache-2.0

// Package database owns the lifecycle of Causeway's databases: the
// backend-wide database and one database per project, each protected at
// rest by a random master key wrapped in an age envelope.
//
// The Manager is the single entry point. It opens the backend database
// at startup (creating it, with a fresh master key and an initial
// unlock method, on first run), lazily opens project databases behind a
// migration gate, caches decrypted project master keys for a bounded
// window, and carries out envelope rotation when the unlock-method
// registry changes.
//
// Inject one Manager wherever project data access is needed; the caches
// are fields of that instance, not package-level state.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/causeway-foundation/causeway/lib/clock"
	"github.com/causeway-foundation/causeway/lib/config"
	"github.com/causeway-foundation/causeway/lib/dbmeta"
	"github.com/causeway-foundation/causeway/lib/envelope"
	"github.com/causeway-foundation/causeway/lib/migrate"
	"github.com/causeway-foundation/causeway/lib/secret"
	"github.com/causeway-foundation/causeway/lib/sqlitepool"
)

// backendFile and projectFile are the database filenames inside their
// respective storage directories.
const (
	backendFile = "backend.db"
	projectFile = "project.db"
)

// ProjectUnlocker is the external collaborator that tracks which
// projects have been interactively unlocked and holds their master
// keys. The Manager consults it on every key-cache miss.
type ProjectUnlocker interface {
	// ProjectKey returns the master key for a project. ok is false
	// when the project has not been unlocked — the Manager surfaces
	// that as ErrProjectLocked. The Manager takes ownership of the
	// returned buffer.
	ProjectKey(ctx context.Context, projectID string) (key *secret.Buffer, ok bool, err error)
}

// Options configures a Manager.
type Options struct {
	// Config supplies encryption policy, storage locations, and the
	// key cache TTL. Required.
	Config *config.Config

	// Identity is the machine's age identity. Required when
	// Config.Encryption is true. The Manager borrows the buffer; the
	// caller closes it after the Manager is closed.
	Identity *secret.Buffer

	// Unlocker supplies project master keys. A Manager without one
	// reports every encrypted project as locked.
	Unlocker ProjectUnlocker

	// Logger receives operational messages. If nil, logging is
	// discarded.
	Logger *slog.Logger

	// Clock drives key-cache expiry and record timestamps. Defaults
	// to the system clock.
	Clock clock.Clock
}

// Manager owns the backend database handle and the per-project
// database lifecycle.
//
// Two caches live here. Decrypted project master keys are cached for
// the configured TTL. Open project database handles are cached for the
// life of the process with no eviction — long-lived deployments with
// very many projects will accumulate open files, a known limitation.
type Manager struct {
	cfg      *config.Config
	identity *secret.Buffer
	unlocker ProjectUnlocker
	logger   *slog.Logger
	clock    clock.Clock

	backend    *sqlitepool.Pool
	backendKey *secret.Buffer // nil when the backend database is unencrypted
	recipient  string         // machine's own recipient; "" when unencrypted
	metaPath   string

	keys     *keyCache
	registry *Registry

	mu      sync.Mutex
	handles map[string]*projectHandle
	opens   singleflight.Group
}

// projectHandle pairs an open pool with the key buffer the pool
// borrows. Both are released together when the Manager closes.
type projectHandle struct {
	pool *sqlitepool.Pool
	key  *secret.Buffer
}

func (h *projectHandle) close() {
	h.pool.Close()
	if h.key != nil {
		h.key.Close()
	}
}

// Open creates a Manager and opens (creating and migrating as needed)
// the backend database. The caller must call Close when done.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("database: Config is required")
	}
	if opts.Config.Encryption && opts.Identity == nil {
		return nil, fmt.Errorf("database: encryption is enabled but no machine identity was provided")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	if !opts.Config.Encryption {
		logger.Warn("database encryption is disabled; this is unsafe for production use")
	}

	m := &Manager{
		cfg:      opts.Config,
		identity: opts.Identity,
		unlocker: opts.Unlocker,
		logger:   logger,
		clock:    clk,
		keys:     newKeyCache(clk, opts.Config.KeyTTL()),
		handles:  make(map[string]*projectHandle),
	}
	m.registry = &Registry{manager: m}

	if err := m.openBackend(ctx); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// Backend returns the backend database pool. Valid until Close.
func (m *Manager) Backend() *sqlitepool.Pool {
	return m.backend
}

// UnlockMethods returns the unlock-method registry for this backend.
func (m *Manager) UnlockMethods() *Registry {
	return m.registry
}

// Recipient returns the machine's own recipient public key, or the
// empty string when the backend database is unencrypted.
func (m *Manager) Recipient() string {
	return m.recipient
}

// Encrypted reports whether the backend database is protected by a
// master key.
func (m *Manager) Encrypted() bool {
	return m.backendKey != nil
}

// Close releases the project handle cache, the key cache, the backend
// pool, and the backend master key. Safe to call on a partially-opened
// Manager.
func (m *Manager) Close() error {
	m.mu.Lock()
	for projectID, handle := range m.handles {
		handle.close()
		delete(m.handles, projectID)
	}
	m.mu.Unlock()

	m.keys.close()

	var firstError error
	if m.backend != nil {
		if err := m.backend.Close(); err != nil && firstError == nil {
			firstError = err
		}
		m.backend = nil
	}
	if m.backendKey != nil {
		m.backendKey.Close()
		m.backendKey = nil
	}
	return firstError
}

// openBackend opens the backend database, creating it on first run,
// and brings its schema to the latest version.
func (m *Manager) openBackend(ctx context.Context) error {
	directory := m.cfg.BackendDir()
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("creating backend directory %s: %w", directory, err)
	}
	m.metaPath = dbmeta.BackendPath(directory)

	meta, err := dbmeta.Read(m.metaPath)
	if err != nil {
		return err
	}
	if meta == nil {
		return m.createBackend(ctx, directory)
	}

	// Existing database. The envelope in the meta file, not the
	// current configuration, decides whether the file on disk is
	// encrypted — a meta without an envelope was created with
	// encryption disabled and stays readable either way.
	if meta.MasterKey != "" {
		if m.identity == nil {
			return fmt.Errorf("backend database at %s is encrypted but no machine identity is configured", directory)
		}
		key, err := envelope.Unwrap(meta.MasterKey, m.identity)
		if err != nil {
			return fmt.Errorf("unlocking backend database: %w", err)
		}
		m.backendKey = key
		recipient, err := envelope.Recipient(m.identity)
		if err != nil {
			return err
		}
		m.recipient = recipient
	} else if m.cfg.Encryption {
		m.logger.Warn("backend database was created with encryption disabled; continuing without a master key",
			"meta", m.metaPath,
		)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   filepath.Join(directory, backendFile),
		Key:    m.backendKey,
		Logger: m.logger,
	})
	if err != nil {
		return err
	}
	m.backend = pool

	conn, err := pool.Take(ctx)
	if err != nil {
		return err
	}
	defer pool.Put(conn)

	// The database's own recorded version wins over a stale meta
	// file: a crash between a committed migration step and the meta
	// rewrite leaves the meta one step behind.
	current := meta.SchemaVersion
	if recorded, err := migrate.Version(conn); err != nil {
		return fmt.Errorf("backend database: %w", err)
	} else if recorded > current {
		current = recorded
	}

	version, err := migrate.Run(ctx, conn, current, backendMigrations, m.logger)
	if err != nil {
		return fmt.Errorf("migrating backend database: %w", err)
	}
	if version != meta.SchemaVersion {
		meta.SchemaVersion = version
		if err := dbmeta.Write(m.metaPath, meta); err != nil {
			return err
		}
	}

	m.logger.Info("backend database opened",
		"path", pool.Path(),
		"schema_version", version,
		"encrypted", m.backendKey != nil,
	)
	return nil
}

// createBackend initializes a backend database that has never existed:
// fresh master key (when encryption is enabled), sidecar meta, full
// schema, and one unlock method for the machine itself.
func (m *Manager) createBackend(ctx context.Context, directory string) error {
	meta := &dbmeta.Meta{}

	if m.cfg.Encryption {
		key, env, recipient, err := envelope.CreateMasterKey(m.identity)
		if err != nil {
			return fmt.Errorf("creating backend master key: %w", err)
		}
		m.backendKey = key
		m.recipient = recipient
		meta.MasterKey = env
	}

	// The envelope goes to disk before the first database write: an
	// encrypted database file without a persisted envelope would be
	// unrecoverable after a crash.
	if err := dbmeta.Write(m.metaPath, meta); err != nil {
		return err
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   filepath.Join(directory, backendFile),
		Key:    m.backendKey,
		Logger: m.logger,
	})
	if err != nil {
		return err
	}
	m.backend = pool

	conn, err := pool.Take(ctx)
	if err != nil {
		return err
	}
	version, err := migrate.Run(ctx, conn, 0, backendMigrations, m.logger)
	pool.Put(conn)
	if err != nil {
		return fmt.Errorf("creating backend schema: %w", err)
	}

	meta.SchemaVersion = version
	if err := dbmeta.Write(m.metaPath, meta); err != nil {
		return err
	}

	if m.cfg.Encryption {
		title, _ := os.Hostname()
		if title == "" {
			title = "initial"
		}
		if _, err := m.registry.Add(ctx, m.recipient, MethodMeta{Title: title}); err != nil {
			return fmt.Errorf("registering initial unlock method: %w", err)
		}
	}

	m.logger.Info("backend database created",
		"path", pool.Path(),
		"schema_version", version,
		"encrypted", m.backendKey != nil,
	)
	return nil
}

// ProjectMasterKey returns the decrypted master key for a project, or
// nil when encryption is disabled. The caller owns the returned buffer
// and must close it.
//
// Keys are cached for the configured TTL; within the window the unlock
// collaborator is not consulted again. A project the collaborator has
// no key for fails with ErrProjectLocked — the caller performs an
// explicit unlock and retries.
func (m *Manager) ProjectMasterKey(ctx context.Context, projectID string) (*secret.Buffer, error) {
	if !m.cfg.Encryption {
		return nil, nil
	}

	cached, err := m.keys.get(projectID)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	if m.unlocker == nil {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrProjectLocked)
	}
	key, ok, err := m.unlocker.ProjectKey(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("fetching master key for project %s: %w", projectID, err)
	}
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrProjectLocked)
	}

	clone, err := key.Clone()
	if err != nil {
		key.Close()
		return nil, err
	}
	m.keys.put(projectID, key)
	return clone, nil
}

// SetupDatabase creates the database for a project that has no on-disk
// database yet and is already unlocked. The database is created
// directly at the target schema version — no migration gate — and the
// project's recorded version in the backend database is set to match.
// The handle is cached and returned.
func (m *Manager) SetupDatabase(ctx context.Context, projectID string) (*sqlitepool.Pool, error) {
	if handle := m.cachedHandle(projectID); handle != nil {
		return handle.pool, nil
	}

	result, err, _ := m.opens.Do(projectID, func() (any, error) {
		if handle := m.cachedHandle(projectID); handle != nil {
			return handle, nil
		}
		return m.setupProject(ctx, projectID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*projectHandle).pool, nil
}

// ForProject returns the open database handle for a project, opening
// and migrating it on first access. Fails with ErrProjectLocked when no
// master key is available, ErrProjectNotFound when the backend has no
// record of the project, and ErrDatabaseTooNew when the recorded
// version exceeds what this build knows.
func (m *Manager) ForProject(ctx context.Context, projectID string) (*sqlitepool.Pool, error) {
	if handle := m.cachedHandle(projectID); handle != nil {
		return handle.pool, nil
	}

	// First caller wins; concurrent callers for the same project id
	// await its result instead of opening the database twice.
	result, err, _ := m.opens.Do(projectID, func() (any, error) {
		if handle := m.cachedHandle(projectID); handle != nil {
			return handle, nil
		}
		return m.openProject(ctx, projectID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*projectHandle).pool, nil
}

func (m *Manager) cachedHandle(projectID string) *projectHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[projectID]
}

func (m *Manager) storeHandle(projectID string, handle *projectHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[projectID] = handle
}

// setupProject creates a fresh project database: sidecar meta (with
// the master key wrapped for the full current unlock-method recipient
// set), full schema, and an upserted project row at the target version.
func (m *Manager) setupProject(ctx context.Context, projectID string) (*projectHandle, error) {
	key, err := m.ProjectMasterKey(ctx, projectID)
	if err != nil {
		return nil, err
	}

	directory := m.cfg.ProjectDir(projectID)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		closeKey(key)
		return nil, fmt.Errorf("creating project directory %s: %w", directory, err)
	}

	meta := &dbmeta.Meta{}
	if key != nil {
		recipients, err := m.listRecipients(ctx)
		if err != nil {
			closeKey(key)
			return nil, err
		}
		env, err := envelope.Rewrap(key, recipients, m.identity)
		if err != nil {
			closeKey(key)
			return nil, fmt.Errorf("wrapping master key for project %s: %w", projectID, err)
		}
		meta.MasterKey = env
	}
	metaPath := dbmeta.ProjectPath(directory)
	if err := dbmeta.Write(metaPath, meta); err != nil {
		closeKey(key)
		return nil, err
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   filepath.Join(directory, projectFile),
		Key:    key,
		Logger: m.logger,
	})
	if err != nil {
		closeKey(key)
		return nil, err
	}

	handle := &projectHandle{pool: pool, key: key}
	conn, err := pool.Take(ctx)
	if err != nil {
		handle.close()
		return nil, err
	}
	version, err := migrate.Run(ctx, conn, 0, projectMigrations, m.logger)
	pool.Put(conn)
	if err != nil {
		handle.close()
		return nil, fmt.Errorf("creating schema for project %s: %w", projectID, err)
	}

	meta.SchemaVersion = version
	if err := dbmeta.Write(metaPath, meta); err != nil {
		handle.close()
		return nil, err
	}

	if err := m.recordProjectVersion(ctx, projectID, version, true); err != nil {
		handle.close()
		return nil, err
	}

	m.storeHandle(projectID, handle)
	m.logger.Info("project database created",
		"project_id", projectID,
		"schema_version", version,
		"encrypted", key != nil,
	)
	return handle, nil
}

// openProject opens an existing project database behind the migration
// gate: the backend transaction that reads and then advances the
// project's recorded version serializes the migration decision at the
// storage layer.
func (m *Manager) openProject(ctx context.Context, projectID string) (*projectHandle, error) {
	key, err := m.ProjectMasterKey(ctx, projectID)
	if err != nil {
		return nil, err
	}

	conn, err := m.backend.Take(ctx)
	if err != nil {
		closeKey(key)
		return nil, err
	}
	defer m.backend.Put(conn)

	directory := m.cfg.ProjectDir(projectID)
	target := ProjectSchemaVersion()

	var handle *projectHandle
	transactionError := func() (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("project %s: beginning version transaction: %w", projectID, err)
		}
		defer endTransaction(&err)

		version, found, err := readProjectVersion(conn, projectID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("project %s: %w", projectID, ErrProjectNotFound)
		}
		if version > target {
			return fmt.Errorf("project %s recorded version %d, known migrations %d: %w",
				projectID, version, target, ErrDatabaseTooNew)
		}

		now := m.clock.Now().UnixMilli()
		if version == target {
			// Already current: the handle is opened after the
			// transaction commits.
			return touchProject(conn, projectID, now)
		}

		pool, err := sqlitepool.Open(sqlitepool.Config{
			Path:   filepath.Join(directory, projectFile),
			Key:    key,
			Logger: m.logger,
		})
		if err != nil {
			return err
		}

		projectConn, err := pool.Take(ctx)
		if err != nil {
			pool.Close()
			return err
		}
		migrated, err := migrate.Run(ctx, projectConn, version, projectMigrations, m.logger)
		pool.Put(projectConn)
		if err != nil {
			pool.Close()
			return fmt.Errorf("migrating project %s: %w", projectID, err)
		}

		if err := m.writeProjectMetaVersion(directory, migrated); err != nil {
			pool.Close()
			return err
		}

		// The recorded version advances in the same backend
		// transaction that made the migration decision.
		err = sqlitex.Execute(conn,
			"UPDATE projects SET database_version = ?, last_opened_at = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{migrated, now, projectID}})
		if err != nil {
			pool.Close()
			return fmt.Errorf("recording version for project %s: %w", projectID, err)
		}

		handle = &projectHandle{pool: pool, key: key}
		return nil
	}()
	if transactionError != nil {
		// A failed commit can leave the handle built; release it
		// rather than just the key.
		if handle != nil {
			handle.close()
		} else {
			closeKey(key)
		}
		return nil, transactionError
	}

	if handle == nil {
		pool, err := sqlitepool.Open(sqlitepool.Config{
			Path:   filepath.Join(directory, projectFile),
			Key:    key,
			Logger: m.logger,
		})
		if err != nil {
			closeKey(key)
			return nil, err
		}
		handle = &projectHandle{pool: pool, key: key}
	}

	m.storeHandle(projectID, handle)
	m.logger.Info("project database opened", "project_id", projectID)
	return handle, nil
}

// writeProjectMetaVersion advances the schema version in a project's
// sidecar meta, preserving the envelope.
func (m *Manager) writeProjectMetaVersion(directory string, version int64) error {
	metaPath := dbmeta.ProjectPath(directory)
	meta, err := dbmeta.Read(metaPath)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = &dbmeta.Meta{}
	}
	meta.SchemaVersion = version
	return dbmeta.Write(metaPath, meta)
}

// recordProjectVersion upserts the project row at the given version.
// Used by SetupDatabase, where the row may not exist yet.
func (m *Manager) recordProjectVersion(ctx context.Context, projectID string, version int64, upsert bool) error {
	conn, err := m.backend.Take(ctx)
	if err != nil {
		return err
	}
	defer m.backend.Put(conn)

	now := m.clock.Now().UnixMilli()
	query := `INSERT INTO projects (id, database_version, created_at, last_opened_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			database_version = excluded.database_version,
			last_opened_at = excluded.last_opened_at`
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{projectID, version, now, now},
	})
	if err != nil {
		return fmt.Errorf("recording version for project %s: %w", projectID, err)
	}
	return nil
}

// listRecipients returns the recipient of every registered unlock
// method.
func (m *Manager) listRecipients(ctx context.Context) ([]string, error) {
	conn, err := m.backend.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer m.backend.Put(conn)
	return recipientsOnConn(conn)
}

// rewrapEnvelope rewraps the backend master key for the given recipient
// set (plus the machine's own recipient) and rewrites the sidecar meta.
// A no-op when encryption is disabled.
func (m *Manager) rewrapEnvelope(recipients []string) error {
	if m.backendKey == nil {
		return nil
	}

	env, err := envelope.Rewrap(m.backendKey, recipients, m.identity)
	if err != nil {
		return fmt.Errorf("rewrapping backend master key: %w", err)
	}

	meta, err := dbmeta.Read(m.metaPath)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("backend meta file %s disappeared during rewrap", m.metaPath)
	}
	meta.MasterKey = env
	return dbmeta.Write(m.metaPath, meta)
}

// readProjectVersion reads one project's recorded database version.
func readProjectVersion(conn *sqlite.Conn, projectID string) (version int64, found bool, err error) {
	err = sqlitex.Execute(conn,
		"SELECT database_version FROM projects WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{projectID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				version = stmt.ColumnInt64(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return 0, false, fmt.Errorf("reading version for project %s: %w", projectID, err)
	}
	return version, found, nil
}

// touchProject updates a project's last-opened stamp.
func touchProject(conn *sqlite.Conn, projectID string, now int64) error {
	err := sqlitex.Execute(conn,
		"UPDATE projects SET last_opened_at = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{now, projectID}})
	if err != nil {
		return fmt.Errorf("touching project %s: %w", projectID, err)
	}
	return nil
}

func closeKey(key *secret.Buffer) {
	if key != nil {
		key.Close()
	}
}
