// Copyright 2026 The Causeway Authors
// SPDX-License-Identifier: Apache-2.0

// Causeway-unlock manages the unlock methods of a Causeway backend:
// the age recipients that can open the backend master key envelope.
// Adding or removing a method rewraps the envelope in the same
// transaction as the registry change, so authorization and ciphertext
// never diverge. Subcommands: keygen, recipient, list, add, remove.
package main
