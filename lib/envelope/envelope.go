// Copyright 2026 The Causeway Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope wraps database master keys with age encryption. It
// provides the three operations the database lifecycle needs: generate
// a fresh master key sealed to this machine, unwrap an envelope with
// the machine identity, and rewrap an existing key for a new recipient
// set when unlock methods change.
//
// An envelope is the base64-encoded age ciphertext of the raw 256-bit
// master key, addressed to one or more x25519 recipients. Envelopes are
// text-safe and stored in the sidecar meta file next to each database.
//
// Every envelope produced here is decryptable by the machine's own
// recipient: CreateMasterKey seals to it directly, and Rewrap injects
// it into the recipient set even when the caller omits it. A backend
// whose unlock-method list was edited by another operator can therefore
// always recover its own databases.
//
// Master keys, identities, and decrypted plaintext travel in
// secret.Buffer values (mmap-backed, locked against swap, zeroed on
// close).
package envelope

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"sort"

	"filippo.io/age"

	"github.com/causeway-foundation/causeway/lib/secret"
)

// MasterKeySize is the size in bytes of a database master key.
const MasterKeySize = 32

// Keypair holds an age x25519 keypair. The private key (the machine
// identity) is stored in a secret.Buffer; the public key (the
// recipient) is a plain string, safe to persist and publish.
//
// The caller must call Close when the keypair is no longer needed.
type Keypair struct {
	// PrivateKey is the identity in AGE-SECRET-KEY-1... format. Must
	// never be logged or written to disk in plaintext.
	PrivateKey *secret.Buffer

	// PublicKey is the corresponding recipient in age1... format.
	PublicKey string
}

// Close releases the private key memory. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateIdentity generates a new age x25519 keypair for use as a
// machine identity. The caller must call Close on the returned Keypair.
func GenerateIdentity() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}

	// Move the private key into mmap-backed memory immediately. The
	// heap string returned by age is GC'd eventually — unavoidable,
	// the library API trades in strings.
	privateKey, err := secret.NewFromString(identity.String())
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}

	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// Recipient derives the public recipient from a machine identity.
// Fails if the identity is not a valid age x25519 private key.
func Recipient(identity *secret.Buffer) (string, error) {
	parsed, err := age.ParseX25519Identity(identity.String())
	if err != nil {
		return "", fmt.Errorf("parsing machine identity: %w", err)
	}
	return parsed.Recipient().String(), nil
}

// ValidateRecipient checks that a string is a well-formed age x25519
// public key. Use this on operator-supplied recipients before storing
// them as unlock methods.
func ValidateRecipient(recipient string) error {
	if _, err := age.ParseX25519Recipient(recipient); err != nil {
		return fmt.Errorf("invalid recipient %q: %w", recipient, err)
	}
	return nil
}

// CreateMasterKey generates a random 256-bit master key and wraps it
// for exactly the machine's own recipient. Returns the raw key (in a
// protected buffer the caller must close), the envelope, and the
// machine's recipient.
func CreateMasterKey(identity *secret.Buffer) (key *secret.Buffer, env string, recipient string, err error) {
	recipient, err = Recipient(identity)
	if err != nil {
		return nil, "", "", err
	}

	raw := make([]byte, MasterKeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", "", fmt.Errorf("generating master key: %w", err)
	}

	env, err = seal(raw, []string{recipient})
	if err != nil {
		secret.Zero(raw)
		return nil, "", "", err
	}

	key, err = secret.NewFromBytes(raw)
	if err != nil {
		return nil, "", "", fmt.Errorf("protecting master key: %w", err)
	}
	return key, env, recipient, nil
}

// Unwrap decrypts an envelope with the machine identity and returns the
// raw master key in a protected buffer the caller must close. Fails if
// the identity cannot open the envelope — wrong machine, corrupted
// ciphertext, or an envelope addressed to different recipients.
func Unwrap(env string, identity *secret.Buffer) (*secret.Buffer, error) {
	parsed, err := age.ParseX25519Identity(identity.String())
	if err != nil {
		return nil, fmt.Errorf("parsing machine identity: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env)
	if err != nil {
		return nil, fmt.Errorf("decoding envelope base64: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), parsed)
	if err != nil {
		return nil, fmt.Errorf("unwrapping master key envelope: %w", err)
	}

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading unwrapped master key: %w", err)
	}
	if len(raw) != MasterKeySize {
		secret.Zero(raw)
		return nil, fmt.Errorf("unwrapped master key has %d bytes, want %d", len(raw), MasterKeySize)
	}

	key, err := secret.NewFromBytes(raw)
	if err != nil {
		secret.Zero(raw)
		return nil, fmt.Errorf("protecting unwrapped master key: %w", err)
	}
	return key, nil
}

// Rewrap wraps an existing master key for the union of the supplied
// recipients and the machine's own recipient. Duplicates collapse to a
// single entry and ordering is not significant, so a stable recipient
// set always produces an envelope openable by the same identities.
//
// The own-recipient injection means the result remains decryptable by
// the calling machine even when its recipient was omitted from the
// input — the self-recovery invariant for operator-edited method lists.
func Rewrap(key *secret.Buffer, recipients []string, identity *secret.Buffer) (string, error) {
	own, err := Recipient(identity)
	if err != nil {
		return "", err
	}

	seen := make(map[string]bool, len(recipients)+1)
	merged := make([]string, 0, len(recipients)+1)
	for _, r := range append(recipients, own) {
		if seen[r] {
			continue
		}
		seen[r] = true
		merged = append(merged, r)
	}
	sort.Strings(merged)

	if key.Len() != MasterKeySize {
		return "", fmt.Errorf("master key has %d bytes, want %d", key.Len(), MasterKeySize)
	}
	return seal(key.Bytes(), merged)
}

// seal encrypts raw bytes to the given recipient public keys and
// returns the base64-encoded ciphertext.
func seal(plaintext []byte, recipientKeys []string) (string, error) {
	if len(recipientKeys) == 0 {
		return "", fmt.Errorf("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return "", fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing master key to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}
