// Copyright 2026 The Causeway Authors
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"embed"
	"io/fs"

	"github.com/causeway-foundation/causeway/lib/migrate"
)

//go:embed migrations/backend/*.sql migrations/project/*.sql
var migrationFiles embed.FS

// backendMigrations and projectMigrations are the ordered schema steps
// for the two database kinds. Loaded once at startup; the scripts are
// compiled into the binary, so a load failure is a build defect and
// panics.
var (
	backendMigrations = mustLoadMigrations("migrations/backend")
	projectMigrations = mustLoadMigrations("migrations/project")
)

// BackendSchemaVersion is the schema version a fully-migrated backend
// database is at.
func BackendSchemaVersion() int64 { return int64(len(backendMigrations)) }

// ProjectSchemaVersion is the schema version a fully-migrated project
// database is at.
func ProjectSchemaVersion() int64 { return int64(len(projectMigrations)) }

func mustLoadMigrations(directory string) []migrate.Migration {
	sub, err := fs.Sub(migrationFiles, directory)
	if err != nil {
		panic("database: embedded migrations: " + err.Error())
	}
	migrations, err := migrate.Load(sub)
	if err != nil {
		panic("database: embedded migrations: " + err.Error())
	}
	if len(migrations) == 0 {
		panic("database: no embedded migrations under " + directory)
	}
	return migrations
}
