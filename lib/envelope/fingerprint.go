// Copyright 2026 The Causeway Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// FingerprintSize is the length in hex characters of a recipient
// fingerprint.
const FingerprintSize = 16

// Fingerprint returns a short, stable identifier for a recipient
// public key: the first 8 bytes of its BLAKE3 hash, hex-encoded. The
// fingerprint is used as the unlock-method row ID (so registering the
// same recipient twice collides on the primary key) and in log output
// where printing full public keys would be noise.
func Fingerprint(recipient string) string {
	digest := blake3.Sum256([]byte(recipient))
	return hex.EncodeToString(digest[:FingerprintSize/2])
}
