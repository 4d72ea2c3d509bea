// Copyright 2026 The Causeway Authors
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

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

func testConfig(t *testing.T, encryption bool) *config.Config {
	t.Helper()
	return &config.Config{
		Encryption:    encryption,
		DataDir:       t.TempDir(),
		KeyTTLSeconds: 30,
	}
}

func testIdentity(t *testing.T) *secret.Buffer {
	t.Helper()
	keypair, err := envelope.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	t.Cleanup(func() { keypair.Close() })
	return keypair.PrivateKey
}

// fakeUnlocker hands out master keys for granted projects and counts
// how often it is consulted.
type fakeUnlocker struct {
	mu    sync.Mutex
	keys  map[string][]byte
	calls map[string]int
}

func newFakeUnlocker() *fakeUnlocker {
	return &fakeUnlocker{
		keys:  make(map[string][]byte),
		calls: make(map[string]int),
	}
}

func (u *fakeUnlocker) grant(t *testing.T, projectID string) []byte {
	t.Helper()
	raw := make([]byte, envelope.MasterKeySize)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("generating project key: %v", err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.keys[projectID] = raw
	return raw
}

func (u *fakeUnlocker) ProjectKey(_ context.Context, projectID string) (*secret.Buffer, bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls[projectID]++
	raw, ok := u.keys[projectID]
	if !ok {
		return nil, false, nil
	}
	// NewFromBytes zeroes its source; hand it a copy so the key
	// survives for later calls.
	key, err := secret.NewFromBytes(bytes.Clone(raw))
	if err != nil {
		return nil, false, err
	}
	return key, true, nil
}

func (u *fakeUnlocker) callCount(projectID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls[projectID]
}

func openManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	manager, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { manager.Close() })
	return manager
}

func TestOpenCreatesEncryptedBackend(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, true)
	identity := testIdentity(t)
	manager := openManager(t, Options{Config: cfg, Identity: identity})

	if !manager.Encrypted() {
		t.Fatal("backend should be encrypted")
	}

	meta, err := dbmeta.Read(dbmeta.BackendPath(cfg.BackendDir()))
	if err != nil {
		t.Fatalf("reading backend meta: %v", err)
	}
	if meta == nil {
		t.Fatal("backend meta file was not written")
	}
	if meta.MasterKey == "" {
		t.Fatal("backend meta has no master key envelope")
	}
	if meta.SchemaVersion != BackendSchemaVersion() {
		t.Fatalf("meta schema version = %d, want %d", meta.SchemaVersion, BackendSchemaVersion())
	}

	// The envelope opens with the machine identity.
	key, err := envelope.Unwrap(meta.MasterKey, identity)
	if err != nil {
		t.Fatalf("unwrapping backend envelope: %v", err)
	}
	key.Close()

	// Creation registers exactly one unlock method, for this machine.
	methods, err := manager.UnlockMethods().List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(methods) != 1 {
		t.Fatalf("got %d unlock methods, want 1", len(methods))
	}
	if methods[0].Recipient != manager.Recipient() {
		t.Fatalf("initial method recipient = %q, want %q", methods[0].Recipient, manager.Recipient())
	}
	if methods[0].Meta.Title == "" {
		t.Fatal("initial method has no title")
	}
}

func TestOpenExistingBackend(t *testing.T) {
	cfg := testConfig(t, true)
	identity := testIdentity(t)

	first, err := Open(context.Background(), Options{Config: cfg, Identity: identity})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("closing first manager: %v", err)
	}

	second := openManager(t, Options{Config: cfg, Identity: identity})
	if !second.Encrypted() {
		t.Fatal("reopened backend should be encrypted")
	}

	methods, err := second.UnlockMethods().List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(methods) != 1 {
		t.Fatalf("got %d unlock methods after reopen, want 1", len(methods))
	}
}

func TestOpenWrongIdentity(t *testing.T) {
	cfg := testConfig(t, true)

	first, err := Open(context.Background(), Options{Config: cfg, Identity: testIdentity(t)})
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	first.Close()

	if _, err := Open(context.Background(), Options{Config: cfg, Identity: testIdentity(t)}); err == nil {
		t.Fatal("opening with a different identity should fail")
	}
}

func TestOpenEncryptedRequiresIdentity(t *testing.T) {
	cfg := testConfig(t, true)
	if _, err := Open(context.Background(), Options{Config: cfg}); err == nil {
		t.Fatal("Open with encryption and no identity should fail")
	}
}

func TestOpenUnencryptedBackend(t *testing.T) {
	cfg := testConfig(t, false)
	manager := openManager(t, Options{Config: cfg})

	if manager.Encrypted() {
		t.Fatal("backend should not be encrypted")
	}
	if manager.Recipient() != "" {
		t.Fatalf("recipient = %q, want empty", manager.Recipient())
	}

	meta, err := dbmeta.Read(dbmeta.BackendPath(cfg.BackendDir()))
	if err != nil {
		t.Fatalf("reading backend meta: %v", err)
	}
	if meta.MasterKey != "" {
		t.Fatal("unencrypted backend meta should carry no envelope")
	}

	key, err := manager.ProjectMasterKey(context.Background(), "any")
	if err != nil {
		t.Fatalf("ProjectMasterKey: %v", err)
	}
	if key != nil {
		t.Fatal("ProjectMasterKey should return nil when encryption is disabled")
	}
}

func TestSetupDatabaseAndForProject(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, true)
	identity := testIdentity(t)
	unlocker := newFakeUnlocker()
	unlocker.grant(t, "p1")
	manager := openManager(t, Options{Config: cfg, Identity: identity, Unlocker: unlocker})

	pool, err := manager.SetupDatabase(ctx, "p1")
	if err != nil {
		t.Fatalf("SetupDatabase: %v", err)
	}

	// The sidecar meta carries the target version and an envelope the
	// machine can open (its own recipient is always in the set).
	meta, err := dbmeta.Read(dbmeta.ProjectPath(cfg.ProjectDir("p1")))
	if err != nil {
		t.Fatalf("reading project meta: %v", err)
	}
	if meta == nil {
		t.Fatal("project meta file was not written")
	}
	if meta.SchemaVersion != ProjectSchemaVersion() {
		t.Fatalf("project meta version = %d, want %d", meta.SchemaVersion, ProjectSchemaVersion())
	}
	key, err := envelope.Unwrap(meta.MasterKey, identity)
	if err != nil {
		t.Fatalf("unwrapping project envelope: %v", err)
	}
	key.Close()

	// The backend records the project at the target version.
	conn, err := manager.Backend().Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	version, found, err := readProjectVersion(conn, "p1")
	manager.Backend().Put(conn)
	if err != nil {
		t.Fatalf("readProjectVersion: %v", err)
	}
	if !found {
		t.Fatal("project row was not recorded")
	}
	if version != ProjectSchemaVersion() {
		t.Fatalf("recorded version = %d, want %d", version, ProjectSchemaVersion())
	}

	// The new database has the full schema.
	projectConn, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take on project pool: %v", err)
	}
	hasWorkers := tableExistsOn(t, projectConn, "workers")
	pool.Put(projectConn)
	if !hasWorkers {
		t.Fatal("project database is missing the workers table")
	}

	// ForProject serves the cached handle.
	again, err := manager.ForProject(ctx, "p1")
	if err != nil {
		t.Fatalf("ForProject: %v", err)
	}
	if again != pool {
		t.Fatal("ForProject should return the cached handle")
	}
}

func TestForProjectLocked(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, true)
	manager := openManager(t, Options{Config: cfg, Identity: testIdentity(t), Unlocker: newFakeUnlocker()})

	if _, err := manager.ForProject(ctx, "p1"); !errors.Is(err, ErrProjectLocked) {
		t.Fatalf("got %v, want ErrProjectLocked", err)
	}

	// No unlocker at all behaves the same.
	bare := openManager(t, Options{Config: testConfig(t, true), Identity: testIdentity(t)})
	if _, err := bare.ForProject(ctx, "p1"); !errors.Is(err, ErrProjectLocked) {
		t.Fatalf("got %v, want ErrProjectLocked", err)
	}
}

func TestForProjectNotFound(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, true)
	unlocker := newFakeUnlocker()
	unlocker.grant(t, "ghost")
	manager := openManager(t, Options{Config: cfg, Identity: testIdentity(t), Unlocker: unlocker})

	if _, err := manager.ForProject(ctx, "ghost"); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("got %v, want ErrProjectNotFound", err)
	}
}

func TestForProjectTooNew(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, true)
	unlocker := newFakeUnlocker()
	unlocker.grant(t, "p1")
	manager := openManager(t, Options{Config: cfg, Identity: testIdentity(t), Unlocker: unlocker})

	// A row recorded by a newer build.
	conn, err := manager.Backend().Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	err = sqlitex.Execute(conn,
		"INSERT INTO projects (id, database_version, created_at) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{"p1", ProjectSchemaVersion() + 1, time.Now().UnixMilli()}})
	manager.Backend().Put(conn)
	if err != nil {
		t.Fatalf("inserting project row: %v", err)
	}

	if _, err := manager.ForProject(ctx, "p1"); !errors.Is(err, ErrDatabaseTooNew) {
		t.Fatalf("got %v, want ErrDatabaseTooNew", err)
	}
}

func TestForProjectMigratesOldDatabase(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, true)
	identity := testIdentity(t)
	unlocker := newFakeUnlocker()
	raw := unlocker.grant(t, "p1")
	manager := openManager(t, Options{Config: cfg, Identity: identity, Unlocker: unlocker})

	// Build a project database stuck one step behind: schema at step
	// one only, meta and backend row recording version 1.
	directory := cfg.ProjectDir("p1")
	if err := os.MkdirAll(directory, 0o700); err != nil {
		t.Fatalf("creating project directory: %v", err)
	}
	key, err := secret.NewFromBytes(bytes.Clone(raw))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	env, err := envelope.Rewrap(key, nil, identity)
	if err != nil {
		t.Fatalf("Rewrap: %v", err)
	}
	stale, err := sqlitepool.Open(sqlitepool.Config{
		Path: filepath.Join(directory, projectFile),
		Key:  key,
	})
	if err != nil {
		t.Fatalf("opening stale pool: %v", err)
	}
	conn, err := stale.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if _, err := migrate.Run(ctx, conn, 0, projectMigrations[:1], nil); err != nil {
		t.Fatalf("building stale schema: %v", err)
	}
	stale.Put(conn)
	if err := stale.Close(); err != nil {
		t.Fatalf("closing stale pool: %v", err)
	}
	key.Close()
	err = dbmeta.Write(dbmeta.ProjectPath(directory), &dbmeta.Meta{SchemaVersion: 1, MasterKey: env})
	if err != nil {
		t.Fatalf("writing stale meta: %v", err)
	}
	backendConn, err := manager.Backend().Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	err = sqlitex.Execute(backendConn,
		"INSERT INTO projects (id, database_version, created_at) VALUES (?, 1, ?)",
		&sqlitex.ExecOptions{Args: []any{"p1", time.Now().UnixMilli()}})
	manager.Backend().Put(backendConn)
	if err != nil {
		t.Fatalf("inserting project row: %v", err)
	}

	pool, err := manager.ForProject(ctx, "p1")
	if err != nil {
		t.Fatalf("ForProject: %v", err)
	}

	// Schema, backend row, and sidecar meta all advanced to the target.
	projectConn, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take on project pool: %v", err)
	}
	hasWorkers := tableExistsOn(t, projectConn, "workers")
	pool.Put(projectConn)
	if !hasWorkers {
		t.Fatal("migration did not create the workers table")
	}

	backendConn, err = manager.Backend().Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	version, _, err := readProjectVersion(backendConn, "p1")
	manager.Backend().Put(backendConn)
	if err != nil {
		t.Fatalf("readProjectVersion: %v", err)
	}
	if version != ProjectSchemaVersion() {
		t.Fatalf("recorded version = %d, want %d", version, ProjectSchemaVersion())
	}

	meta, err := dbmeta.Read(dbmeta.ProjectPath(directory))
	if err != nil {
		t.Fatalf("reading project meta: %v", err)
	}
	if meta.SchemaVersion != ProjectSchemaVersion() {
		t.Fatalf("meta version = %d, want %d", meta.SchemaVersion, ProjectSchemaVersion())
	}
	if meta.MasterKey != env {
		t.Fatal("migration should not rewrite the project envelope")
	}
}

func TestForProjectAppliesAllMigrationsFromZero(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, true)
	identity := testIdentity(t)
	unlocker := newFakeUnlocker()
	raw := unlocker.grant(t, "p1")
	manager := openManager(t, Options{Config: cfg, Identity: identity, Unlocker: unlocker})

	// A project registered at version 0: meta and backend row exist,
	// but no migration has ever run.
	directory := cfg.ProjectDir("p1")
	if err := os.MkdirAll(directory, 0o700); err != nil {
		t.Fatalf("creating project directory: %v", err)
	}
	key, err := secret.NewFromBytes(bytes.Clone(raw))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	env, err := envelope.Rewrap(key, nil, identity)
	key.Close()
	if err != nil {
		t.Fatalf("Rewrap: %v", err)
	}
	if err := dbmeta.Write(dbmeta.ProjectPath(directory), &dbmeta.Meta{MasterKey: env}); err != nil {
		t.Fatalf("writing meta: %v", err)
	}
	conn, err := manager.Backend().Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	err = sqlitex.Execute(conn,
		"INSERT INTO projects (id, database_version, created_at) VALUES (?, 0, ?)",
		&sqlitex.ExecOptions{Args: []any{"p1", time.Now().UnixMilli()}})
	manager.Backend().Put(conn)
	if err != nil {
		t.Fatalf("inserting project row: %v", err)
	}

	pool, err := manager.ForProject(ctx, "p1")
	if err != nil {
		t.Fatalf("ForProject: %v", err)
	}

	projectConn, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take on project pool: %v", err)
	}
	hasOperations := tableExistsOn(t, projectConn, "operations")
	hasWorkers := tableExistsOn(t, projectConn, "workers")
	pool.Put(projectConn)
	if !hasOperations || !hasWorkers {
		t.Fatalf("schema incomplete: operations=%v workers=%v", hasOperations, hasWorkers)
	}

	conn, err = manager.Backend().Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	version, _, err := readProjectVersion(conn, "p1")
	manager.Backend().Put(conn)
	if err != nil {
		t.Fatalf("readProjectVersion: %v", err)
	}
	if version != ProjectSchemaVersion() {
		t.Fatalf("recorded version = %d, want %d", version, ProjectSchemaVersion())
	}
}

func TestProjectMasterKeyCaching(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, true)
	cfg.KeyTTLSeconds = 10
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	unlocker := newFakeUnlocker()
	unlocker.grant(t, "p1")
	manager := openManager(t, Options{
		Config:   cfg,
		Identity: testIdentity(t),
		Unlocker: unlocker,
		Clock:    clk,
	})

	first, err := manager.ProjectMasterKey(ctx, "p1")
	if err != nil {
		t.Fatalf("ProjectMasterKey: %v", err)
	}
	defer first.Close()

	// Within the TTL the cache answers.
	clk.Advance(9 * time.Second)
	second, err := manager.ProjectMasterKey(ctx, "p1")
	if err != nil {
		t.Fatalf("ProjectMasterKey: %v", err)
	}
	defer second.Close()
	if !first.Equal(second) {
		t.Fatal("cached key differs from the original")
	}
	if got := unlocker.callCount("p1"); got != 1 {
		t.Fatalf("unlocker consulted %d times within TTL, want 1", got)
	}

	// Past the TTL the unlocker is consulted again.
	clk.Advance(2 * time.Second)
	third, err := manager.ProjectMasterKey(ctx, "p1")
	if err != nil {
		t.Fatalf("ProjectMasterKey: %v", err)
	}
	third.Close()
	if got := unlocker.callCount("p1"); got != 2 {
		t.Fatalf("unlocker consulted %d times after expiry, want 2", got)
	}
}

func TestConcurrentForProject(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, true)
	unlocker := newFakeUnlocker()
	unlocker.grant(t, "p1")
	manager := openManager(t, Options{Config: cfg, Identity: testIdentity(t), Unlocker: unlocker})

	if _, err := manager.SetupDatabase(ctx, "p1"); err != nil {
		t.Fatalf("SetupDatabase: %v", err)
	}

	const callers = 8
	pools := make([]*sqlitepool.Pool, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool, err := manager.ForProject(ctx, "p1")
			if err != nil {
				t.Errorf("ForProject: %v", err)
				return
			}
			pools[i] = pool
		}()
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if pools[i] != pools[0] {
			t.Fatal("concurrent callers received different handles")
		}
	}
}

func tableExistsOn(t *testing.T, conn *sqlite.Conn, name string) bool {
	t.Helper()
	var exists bool
	err := sqlitex.Execute(conn,
		"SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?",
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(*sqlite.Stmt) error {
				exists = true
				return nil
			},
		})
	if err != nil {
		t.Fatalf("checking table %s: %v", name, err)
	}
	return exists
}
