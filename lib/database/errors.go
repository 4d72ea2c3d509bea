// Copyright 2026 The Causeway Authors
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"errors"

	"github.com/causeway-foundation/causeway/lib/migrate"
)

// The errors calling services branch on with errors.Is. Everything else
// this package returns (I/O, crypto, SQL failures) is fatal to the
// operation and carries its context in the wrap chain.
var (
	// ErrProjectLocked means no master key is available for the
	// project. Recoverable: the caller performs an explicit unlock and
	// retries.
	ErrProjectLocked = errors.New("project is locked: no master key available")

	// ErrProjectNotFound means the backend database has no record of
	// the project. Not recoverable by retrying.
	ErrProjectNotFound = errors.New("project not found")

	// ErrDatabaseTooNew means a database's recorded schema version
	// exceeds what this build knows — a software downgrade. Fatal;
	// the operator must upgrade.
	ErrDatabaseTooNew = migrate.ErrTooNew

	// ErrUnlockMethodNotFound means no unlock method exists with the
	// given id.
	ErrUnlockMethodNotFound = errors.New("unlock method not found")

	// ErrLastUnlockMethod means a delete would remove the only
	// remaining unlock method, which would strand every envelope.
	ErrLastUnlockMethod = errors.New("cannot delete the last unlock method")
)
