// Copyright 2026 The Causeway Authors
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"sync"
	"time"

	"github.com/causeway-foundation/causeway/lib/clock"
	"github.com/causeway-foundation/causeway/lib/secret"
)

// keyCache holds decrypted project master keys for a bounded time
// window, so back-to-back database operations do not hit the unlock
// collaborator for every call. Entries expire after the configured TTL;
// there is no other eviction — a process restart clears everything.
//
// The cache owns its buffers. Lookups hand out independent clones, so
// a caller closing its copy cannot invalidate the cached key and an
// expiring entry cannot yank memory out from under a caller.
type keyCache struct {
	clock clock.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]keyCacheEntry
}

type keyCacheEntry struct {
	key     *secret.Buffer
	expires time.Time
}

func newKeyCache(clk clock.Clock, ttl time.Duration) *keyCache {
	return &keyCache{
		clock:   clk,
		ttl:     ttl,
		entries: make(map[string]keyCacheEntry),
	}
}

// get returns a clone of the cached key for projectID, or nil when the
// entry is absent or expired. Expired entries are closed and removed on
// the way out.
func (c *keyCache) get(projectID string) (*secret.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[projectID]
	if !ok {
		return nil, nil
	}
	if !c.clock.Now().Before(entry.expires) {
		entry.key.Close()
		delete(c.entries, projectID)
		return nil, nil
	}
	return entry.key.Clone()
}

// put stores the key for projectID with a fresh TTL. The cache takes
// ownership of the buffer; any previous entry is closed.
func (c *keyCache) put(projectID string, key *secret.Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if previous, ok := c.entries[projectID]; ok {
		previous.key.Close()
	}
	c.entries[projectID] = keyCacheEntry{
		key:     key,
		expires: c.clock.Now().Add(c.ttl),
	}
}

// close zeroes and releases every cached key.
func (c *keyCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for projectID, entry := range c.entries {
		entry.key.Close()
		delete(c.entries, projectID)
	}
}
