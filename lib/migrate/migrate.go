// Copyright 2026 The Causeway Authors
// SPDX-License-Identifier: Apache-2.0

// Package migrate applies ordered, named schema migrations to a SQLite
// database, one version at a time.
//
// Each step runs inside a single IMMEDIATE transaction covering every
// statement of that step plus the version advance (PRAGMA user_version
// on the migrated database). Steps commit independently, so a crash
// mid-run leaves the database at the last fully-applied step with a
// consistent recorded version — never half a step.
//
// A database whose recorded version exceeds the number of known
// migrations was written by newer software; the runner refuses to touch
// it before executing anything.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrTooNew is reported when a database's recorded schema version
// exceeds the migrations this build knows about. The operator must
// upgrade the software; running anything against the database would
// risk corrupting a newer schema.
var ErrTooNew = errors.New("database schema is newer than this software")

// Migration is one named schema step. Steps are applied in slice order;
// the database version after applying migrations[i] is i+1.
type Migration struct {
	// Name identifies the step in logs and errors, e.g. "0001_init".
	Name string

	// Script is the SQL for the step. May contain multiple statements
	// separated by semicolons; semicolons inside quoted literals and
	// comments do not split.
	Script string
}

// Load reads all *.sql files from fsys in lexical filename order and
// returns them as migrations. Filenames carry the ordering, so the
// convention is a zero-padded sequence prefix: 0001_init.sql,
// 0002_add_workers.sql, and so on.
func Load(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("listing migration scripts: %w", err)
	}
	sort.Strings(names)

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		script, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("reading migration script %s: %w", name, err)
		}
		migrations = append(migrations, Migration{
			Name:   strings.TrimSuffix(name, ".sql"),
			Script: string(script),
		})
	}
	return migrations, nil
}

// Version reads the schema version recorded in the database itself
// (PRAGMA user_version).
func Version(conn *sqlite.Conn) (int64, error) {
	var version int64
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// Run brings the database from the current version to the latest known
// migration. current is the authoritative recorded version — for
// project databases it comes from the backend's project row, for the
// backend database from its sidecar meta file.
//
// Returns the version the database is at after the run. When current
// already equals the migration count, Run is a no-op. When current
// exceeds it, Run fails with ErrTooNew before executing any statement.
//
// The context is consulted only between steps. A step's transaction is
// never abandoned mid-flight: once a step begins it either commits or
// rolls back in full.
func Run(ctx context.Context, conn *sqlite.Conn, current int64, migrations []Migration, logger *slog.Logger) (int64, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	target := int64(len(migrations))
	if current > target {
		return current, fmt.Errorf("recorded version %d, known migrations %d: %w", current, target, ErrTooNew)
	}
	if current == target {
		return current, nil
	}

	for next := current + 1; next <= target; next++ {
		if err := ctx.Err(); err != nil {
			return next - 1, fmt.Errorf("migration interrupted before step %d: %w", next, err)
		}

		migration := migrations[next-1]
		if err := applyStep(conn, next, migration); err != nil {
			return next - 1, err
		}

		logger.Info("applied migration",
			"name", migration.Name,
			"version", next,
		)
	}
	return target, nil
}

// applyStep runs one migration inside a single IMMEDIATE transaction:
// every statement of the step, then the version advance.
func applyStep(conn *sqlite.Conn, version int64, migration Migration) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("migration %s: beginning transaction: %w", migration.Name, err)
	}
	defer endTransaction(&err)

	for _, statement := range SplitStatements(migration.Script) {
		if err = sqlitex.ExecuteTransient(conn, statement, nil); err != nil {
			return fmt.Errorf("migration %s: %w", migration.Name, err)
		}
	}

	// The version write commits or rolls back with the statements.
	versionPragma := fmt.Sprintf("PRAGMA user_version = %d", version)
	if err = sqlitex.ExecuteTransient(conn, versionPragma, nil); err != nil {
		return fmt.Errorf("migration %s: recording version %d: %w", migration.Name, version, err)
	}
	return nil
}
