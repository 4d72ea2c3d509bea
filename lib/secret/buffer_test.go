// Copyright 2026 The Causeway Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestNewFromBytes_ZerosSource(t *testing.T) {
	source := []byte("master-key-material")
	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes() error: %v", err)
	}
	defer buffer.Close()

	for index, value := range source {
		if value != 0 {
			t.Fatalf("source[%d] = %d, want 0 (source must be zeroed)", index, value)
		}
	}
	if got := buffer.String(); got != "master-key-material" {
		t.Errorf("String() = %q, want original content", got)
	}
}

func TestNewFromBytes_Empty(t *testing.T) {
	if _, err := NewFromBytes(nil); err == nil {
		t.Error("NewFromBytes(nil) succeeded, want error")
	}
}

func TestClone_Independent(t *testing.T) {
	original, err := NewFromString("AGE-SECRET-KEY-1TEST")
	if err != nil {
		t.Fatalf("NewFromString() error: %v", err)
	}

	clone, err := original.Clone()
	if err != nil {
		t.Fatalf("Clone() error: %v", err)
	}
	defer clone.Close()

	if !bytes.Equal(original.Bytes(), clone.Bytes()) {
		t.Error("clone contents differ from original")
	}

	// Closing the original must not disturb the clone.
	if err := original.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if got := clone.String(); got != "AGE-SECRET-KEY-1TEST" {
		t.Errorf("clone after original close = %q", got)
	}
}

func TestEqual(t *testing.T) {
	a, _ := NewFromString("same")
	b, _ := NewFromString("same")
	c, _ := NewFromString("different")
	defer a.Close()
	defer b.Close()
	defer c.Close()

	if !a.Equal(b) {
		t.Error("Equal() = false for identical contents")
	}
	if a.Equal(c) {
		t.Error("Equal() = true for different contents")
	}
}

func TestClose_Idempotent(t *testing.T) {
	buffer, err := New(16)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
}

func TestBytes_PanicsAfterClose(t *testing.T) {
	buffer, err := New(8)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Error("Bytes() after Close did not panic")
		}
	}()
	buffer.Bytes()
}

func TestReadFromPath(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "identity")
	if err := os.WriteFile(path, []byte("  AGE-SECRET-KEY-1ABC\n"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	buffer, err := ReadFromPath(path)
	if err != nil {
		t.Fatalf("ReadFromPath() error: %v", err)
	}
	defer buffer.Close()

	if got := buffer.String(); got != "AGE-SECRET-KEY-1ABC" {
		t.Errorf("ReadFromPath() = %q, want trimmed content", got)
	}
}

func TestReadFromPath_Missing(t *testing.T) {
	_, err := ReadFromPath(filepath.Join(t.TempDir(), "absent"))
	if err == nil {
		t.Fatal("ReadFromPath() on missing file succeeded, want error")
	}
}

func TestReadFromPath_Empty(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "blank")
	if err := os.WriteFile(path, []byte("  \n\t"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if _, err := ReadFromPath(path); err == nil {
		t.Fatal("ReadFromPath() on whitespace-only file succeeded, want error")
	}
}
