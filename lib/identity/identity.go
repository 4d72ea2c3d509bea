// Copyright 2026 The Causeway Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity resolves the machine's long-lived age identity — the
// private key that unwraps master-key envelopes addressed to this
// machine.
//
// Resolution order, first match wins:
//
//  1. An identity literal supplied directly in configuration.
//  2. An identity file path supplied in configuration. A path that
//     cannot be read is a hard error naming the path and cause — it is
//     never skipped.
//  3. The OS secure store (keychain, Secret Service, Credential
//     Manager), keyed by a fixed service/account pair. If the store has
//     no entry, a fresh identity is generated, persisted there, and
//     returned.
//
// Each tier is attempted only when the previous one is entirely absent
// from configuration, never because it was present but invalid.
package identity

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zalando/go-keyring"

	"github.com/causeway-foundation/causeway/lib/envelope"
	"github.com/causeway-foundation/causeway/lib/secret"
)

const (
	// Service is the fixed service name under which the machine
	// identity is stored in the OS secure store.
	Service = "causeway"

	// Account is the fixed account name under which the machine
	// identity is stored in the OS secure store.
	Account = "machine-identity"
)

// Store is the persistent secure store holding the machine identity.
// The production implementation is the OS keyring; tests substitute an
// in-memory map.
type Store interface {
	// Get returns the stored value for a service/account pair.
	// Returns ErrNotFound when no entry exists.
	Get(service, account string) (string, error)

	// Set stores a value for a service/account pair, overwriting any
	// existing entry.
	Set(service, account, value string) error
}

// ErrNotFound is returned by Store.Get when the store holds no entry
// for the requested service/account pair. Absence is not an error for
// the resolver — it triggers auto-provisioning.
var ErrNotFound = keyring.ErrNotFound

// SystemStore returns the Store backed by the operating system's
// secure credential storage.
func SystemStore() Store {
	return systemStore{}
}

type systemStore struct{}

func (systemStore) Get(service, account string) (string, error) {
	return keyring.Get(service, account)
}

func (systemStore) Set(service, account, value string) error {
	return keyring.Set(service, account, value)
}

// Options configures identity resolution.
type Options struct {
	// Identity is the machine identity supplied directly in
	// configuration. When set, no other source is consulted.
	Identity string

	// IdentityFile is a path to a file holding the machine identity.
	// Consulted only when Identity is empty. A read failure is fatal.
	IdentityFile string

	// Store is the persistent secure store. Defaults to SystemStore().
	Store Store

	// Logger receives resolution events. If nil, logging is discarded.
	Logger *slog.Logger
}

// Resolve obtains the machine identity according to the documented
// priority order, creating and persisting one if no source has it. The
// returned buffer must be closed by the caller when the process shuts
// down.
func Resolve(opts Options) (*secret.Buffer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	store := opts.Store
	if store == nil {
		store = SystemStore()
	}

	if opts.Identity != "" {
		logger.Debug("machine identity resolved from configuration literal")
		return protect(opts.Identity, "configuration")
	}

	if opts.IdentityFile != "" {
		buffer, err := secret.ReadFromPath(opts.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("reading machine identity file: %w", err)
		}
		if err := validate(buffer); err != nil {
			buffer.Close()
			return nil, fmt.Errorf("machine identity file %s: %w", opts.IdentityFile, err)
		}
		logger.Debug("machine identity resolved from file", "path", opts.IdentityFile)
		return buffer, nil
	}

	stored, err := store.Get(Service, Account)
	switch {
	case err == nil:
		logger.Debug("machine identity resolved from secure store")
		return protect(stored, "secure store")
	case errors.Is(err, ErrNotFound):
		return provision(store, logger)
	default:
		return nil, fmt.Errorf("reading machine identity from secure store: %w", err)
	}
}

// provision generates a fresh identity and persists it in the secure
// store before returning it. Runs once per machine, on first startup.
func provision(store Store, logger *slog.Logger) (*secret.Buffer, error) {
	keypair, err := envelope.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("provisioning machine identity: %w", err)
	}

	if err := store.Set(Service, Account, keypair.PrivateKey.String()); err != nil {
		keypair.Close()
		return nil, fmt.Errorf("persisting machine identity in secure store: %w", err)
	}

	logger.Info("provisioned new machine identity",
		"recipient", keypair.PublicKey,
	)
	return keypair.PrivateKey, nil
}

// protect moves an identity string into a locked buffer and validates
// it, naming the source in any error.
func protect(value, source string) (*secret.Buffer, error) {
	buffer, err := secret.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("machine identity from %s: %w", source, err)
	}
	if err := validate(buffer); err != nil {
		buffer.Close()
		return nil, fmt.Errorf("machine identity from %s: %w", source, err)
	}
	return buffer, nil
}

// validate checks that the buffer holds a parseable age identity.
func validate(buffer *secret.Buffer) error {
	if _, err := envelope.Recipient(buffer); err != nil {
		return err
	}
	return nil
}
