// Copyright 2026 The Causeway Authors
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/causeway-foundation/causeway/lib/codec"
	"github.com/causeway-foundation/causeway/lib/envelope"
)

// MethodMeta is the operator-facing description attached to an unlock
// method. Stored as a CBOR blob so fields can be added without a schema
// migration.
type MethodMeta struct {
	Title       string `cbor:"title" json:"title"`
	Description string `cbor:"description,omitempty" json:"description,omitempty"`
}

// UnlockMethod is one registered way to decrypt the backend master key:
// a recipient public key plus its description.
type UnlockMethod struct {
	// ID is derived from the recipient key, so the same key always
	// registers under the same id.
	ID        string
	Recipient string
	Meta      MethodMeta
	CreatedAt time.Time
}

// Registry manages the backend's unlock methods. Every mutation runs in
// a single backend transaction together with the envelope rewrap it
// requires, so an authorization change and the cryptographic material
// that enforces it never diverge: if the rewrap fails, the row change
// rolls back.
//
// Obtained from Manager.UnlockMethods; the zero value is not usable.
type Registry struct {
	manager *Manager

	// mu serializes mutations. The read-modify-rewrap sequence spans a
	// transaction plus a meta file write, which the database alone
	// cannot serialize.
	mu sync.Mutex
}

// List returns all unlock methods, oldest first.
func (r *Registry) List(ctx context.Context) ([]UnlockMethod, error) {
	conn, err := r.manager.backend.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer r.manager.backend.Put(conn)

	var methods []UnlockMethod
	var decodeError error
	err = sqlitex.Execute(conn,
		"SELECT id, recipient, meta, created_at FROM unlock_methods ORDER BY created_at ASC, id ASC",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				method := UnlockMethod{
					ID:        stmt.ColumnText(0),
					Recipient: stmt.ColumnText(1),
					CreatedAt: time.UnixMilli(stmt.ColumnInt64(3)),
				}
				blob := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, blob)
				if len(blob) > 0 {
					if err := codec.Unmarshal(blob, &method.Meta); err != nil {
						decodeError = fmt.Errorf("decoding meta for unlock method %s: %w", method.ID, err)
						return decodeError
					}
				}
				methods = append(methods, method)
				return nil
			},
		})
	if decodeError != nil {
		return nil, decodeError
	}
	if err != nil {
		return nil, fmt.Errorf("listing unlock methods: %w", err)
	}
	return methods, nil
}

// Add registers a new unlock method and rewraps the backend master key
// envelope so the new recipient can open it. Registering a recipient
// that is already present fails on the table's uniqueness constraint.
func (r *Registry) Add(ctx context.Context, recipient string, meta MethodMeta) (*UnlockMethod, error) {
	if err := envelope.ValidateRecipient(recipient); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.manager.backend.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer r.manager.backend.Put(conn)

	method := &UnlockMethod{
		ID:        envelope.Fingerprint(recipient),
		Recipient: recipient,
		Meta:      meta,
		CreatedAt: r.manager.clock.Now(),
	}
	blob, err := codec.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding meta for unlock method: %w", err)
	}

	transactionError := func() (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("adding unlock method: beginning transaction: %w", err)
		}
		defer endTransaction(&err)

		err = sqlitex.Execute(conn,
			"INSERT INTO unlock_methods (id, recipient, meta, created_at) VALUES (?, ?, ?, ?)",
			&sqlitex.ExecOptions{
				Args: []any{method.ID, method.Recipient, blob, method.CreatedAt.UnixMilli()},
			})
		if err != nil {
			return fmt.Errorf("adding unlock method %s: %w", method.ID, err)
		}

		recipients, err := recipientsOnConn(conn)
		if err != nil {
			return err
		}
		return r.manager.rewrapEnvelope(recipients)
	}()
	if transactionError != nil {
		return nil, transactionError
	}

	r.manager.logger.Info("unlock method added",
		"id", method.ID,
		"title", meta.Title,
	)
	return method, nil
}

// Delete removes an unlock method and rewraps the backend master key
// envelope for the remaining recipients, revoking the removed key's
// access to future envelopes. Deleting the last method is refused: it
// would strand every envelope.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.manager.backend.Take(ctx)
	if err != nil {
		return err
	}
	defer r.manager.backend.Put(conn)

	transactionError := func() (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("deleting unlock method: beginning transaction: %w", err)
		}
		defer endTransaction(&err)

		recipients, err := recipientsOnConn(conn)
		if err != nil {
			return err
		}
		target := ""
		remaining := recipients[:0]
		for _, recipient := range recipients {
			if envelope.Fingerprint(recipient) == id {
				target = recipient
				continue
			}
			remaining = append(remaining, recipient)
		}
		if target == "" {
			return fmt.Errorf("unlock method %s: %w", id, ErrUnlockMethodNotFound)
		}
		if len(remaining) == 0 {
			return fmt.Errorf("unlock method %s: %w", id, ErrLastUnlockMethod)
		}

		err = sqlitex.Execute(conn,
			"DELETE FROM unlock_methods WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{id}})
		if err != nil {
			return fmt.Errorf("deleting unlock method %s: %w", id, err)
		}

		return r.manager.rewrapEnvelope(remaining)
	}()
	if transactionError != nil {
		return transactionError
	}

	r.manager.logger.Info("unlock method removed", "id", id)
	return nil
}

// recipientsOnConn reads the current recipient set on an existing
// connection, so callers inside a transaction see their own uncommitted
// changes.
func recipientsOnConn(conn *sqlite.Conn) ([]string, error) {
	var recipients []string
	err := sqlitex.Execute(conn,
		"SELECT recipient FROM unlock_methods",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				recipients = append(recipients, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("reading unlock method recipients: %w", err)
	}
	sort.Strings(recipients)
	return recipients, nil
}
