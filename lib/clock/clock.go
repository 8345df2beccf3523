// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every deadline in kbroker.
//
// The terminator's escalation deadlines, the broker's wait for a first
// front-end, the manager's poll loop and the shutdown sleeps all read
// time through a [Clock]. Production code passes [Real]; tests pass
// [Fake] and move time with [FakeClock.Advance], so a full TERM to KILL
// escalation runs in microseconds without sleeping.
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	terminator := kernel.NewTerminator(target, fake, ...)
//	fake.Advance(500 * time.Millisecond)
//	terminator.Step()
package clock

import "time"

// Clock is the subset of the time package that kbroker depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed. A
	// non-positive d fires immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker firing every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. The channel has capacity 1 and
// late ticks are dropped, as with time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Reset restarts the ticker with a new period.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop, reset: ticker.Reset}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
