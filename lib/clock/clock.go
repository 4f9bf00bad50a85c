// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts the time operations the engine performs so
// tests can control them. Production code takes [Real]; tests take
// [Fake] and move time forward with [FakeClock.Advance].
//
// Code that reads the time or waits on it accepts a Clock (usually a
// Clock field on its Config, nil meaning Real) instead of calling
// time.Now or time.After directly.
package clock

import "time"

// Clock reads the current time and schedules wakeups.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the time once d has
	// elapsed. If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

// OrReal returns clock, or [Real] when clock is nil.
func OrReal(clock Clock) Clock {
	if clock == nil {
		return Real()
	}
	return clock
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
