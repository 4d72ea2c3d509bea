// Copyright 2026 The Causeway Authors
// SPDX-License-Identifier: Apache-2.0

// Package dbmeta reads and writes the sidecar metadata file that sits
// next to every Causeway database: the applied schema version plus the
// master-key envelope protecting the database contents.
//
// The file is small JSON, rewritten whole on every change. Its absence
// signals "database not yet created" and is not an error. A file
// without an envelope means the database was created with encryption
// disabled — readers must treat the field as optional in both
// directions so old files stay readable by new code and vice versa.
package dbmeta

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	// BackendFile is the sidecar filename for the backend database
	// directory.
	BackendFile = "backend.meta.json"

	// ProjectFile is the sidecar filename for a project database
	// directory.
	ProjectFile = "project.meta.json"
)

// Meta is the persisted sidecar record for one database.
type Meta struct {
	// SchemaVersion is the migration level the database is at.
	// Starts at 0 for a database that has had no migrations applied.
	SchemaVersion int64 `json:"schemaVersion"`

	// MasterKey is the age envelope wrapping the database master key.
	// Empty when the database was created with encryption disabled.
	MasterKey string `json:"masterKey,omitempty"`
}

// BackendPath returns the sidecar path for the backend database stored
// in directory.
func BackendPath(directory string) string {
	return filepath.Join(directory, BackendFile)
}

// ProjectPath returns the sidecar path for a project database stored in
// directory.
func ProjectPath(directory string) string {
	return filepath.Join(directory, ProjectFile)
}

// Read loads the sidecar file at path. Returns (nil, nil) when the file
// does not exist — an uncreated database, not an error. Any other read
// or parse failure is returned with the path and cause.
func Read(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading database meta %s: %w", path, err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing database meta %s: %w", path, err)
	}
	return &meta, nil
}

// Write persists the sidecar file at path, replacing any previous
// contents. The write goes through a temporary file in the same
// directory followed by a rename, so a crash never leaves a truncated
// meta file next to a live database.
func Write(path string, meta *Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding database meta %s: %w", path, err)
	}
	data = append(data, '\n')

	directory := filepath.Dir(path)
	temporary, err := os.CreateTemp(directory, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("writing database meta %s: %w", path, err)
	}
	temporaryPath := temporary.Name()

	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing database meta %s: %w", path, err)
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing database meta %s: %w", path, err)
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing database meta %s: %w", path, err)
	}
	if err := os.Chmod(temporaryPath, 0o600); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("setting database meta permissions %s: %w", path, err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("replacing database meta %s: %w", path, err)
	}
	return nil
}
