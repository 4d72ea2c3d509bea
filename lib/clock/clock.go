// Copyright 2026 The Causeway Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code injects
// Real(); tests inject Fake() and advance it deterministically.
//
// Every production function that reads the current time (key cache
// expiry, unlock-method creation stamps) should accept a Clock instead
// of calling time.Now directly.
package clock

import "time"

// Clock provides the current time.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// Real returns a Clock backed by the system clock.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
