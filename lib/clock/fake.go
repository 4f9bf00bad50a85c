// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a manually driven [Clock]. Its time only moves when
// [FakeClock.Advance] is called. It is safe for concurrent use.
type FakeClock struct {
	mutex   sync.Mutex
	now     time.Time
	pending []*wakeup
	changed *sync.Cond
}

type wakeup struct {
	deadline time.Time
	channel  chan time.Time
}

// Fake returns a fake clock reading start.
func Fake(start time.Time) *FakeClock {
	fake := &FakeClock{now: start}
	fake.changed = sync.NewCond(&fake.mutex)
	return fake
}

// Now returns the fake time.
func (fake *FakeClock) Now() time.Time {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return fake.now
}

// After registers a wakeup d from the fake time. A non-positive d is
// delivered immediately and never counts as pending.
func (fake *FakeClock) After(d time.Duration) <-chan time.Time {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- fake.now
		return channel
	}
	fake.pending = append(fake.pending, &wakeup{deadline: fake.now.Add(d), channel: channel})
	fake.changed.Broadcast()
	return channel
}

// Advance moves the time forward by d and delivers every wakeup whose
// deadline has been reached, earliest first.
func (fake *FakeClock) Advance(d time.Duration) {
	fake.mutex.Lock()
	fake.now = fake.now.Add(d)
	now := fake.now

	var due []*wakeup
	fake.pending = slices.DeleteFunc(fake.pending, func(entry *wakeup) bool {
		if entry.deadline.After(now) {
			return false
		}
		due = append(due, entry)
		return true
	})
	fake.changed.Broadcast()
	fake.mutex.Unlock()

	slices.SortStableFunc(due, func(a, b *wakeup) int { return a.deadline.Compare(b.deadline) })
	for _, entry := range due {
		entry.channel <- now
	}
}

// WaitForTimers blocks until at least n wakeups are pending. Tests
// call it before Advance so the code under test has registered its
// wait:
//
//	go controller.Send(ctx, history, send)
//	fake.WaitForTimers(1)
//	fake.Advance(time.Second)
func (fake *FakeClock) WaitForTimers(n int) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	for len(fake.pending) < n {
		fake.changed.Wait()
	}
}

// PendingCount returns the number of undelivered wakeups.
func (fake *FakeClock) PendingCount() int {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return len(fake.pending)
}
