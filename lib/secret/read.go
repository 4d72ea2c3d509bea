// Copyright 2026 The Causeway Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"fmt"
	"os"
)

// ReadFromPath reads a secret from a file path into a protected buffer.
// Leading and trailing whitespace is trimmed before storing (identity
// files routinely end with a newline). The returned buffer must be
// closed by the caller. Returns an error if the file cannot be read or
// is empty after trimming; read errors include the path.
func ReadFromPath(path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading secret from %s: %w", path, err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, fmt.Errorf("secret file %s is empty", path)
	}

	// NewFromBytes copies into mmap-backed memory and zeros trimmed.
	buffer, err := NewFromBytes(trimmed)
	// Zero the whitespace prefix/suffix not covered by trimmed.
	Zero(data)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}
