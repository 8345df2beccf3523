// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowMovesOnlyOnAdvance(t *testing.T) {
	fake := Fake(epoch)
	if got := fake.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	fake.Advance(500 * time.Millisecond)
	if got, want := fake.Now(), epoch.Add(500*time.Millisecond); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeAfterFiresAtDeadline(t *testing.T) {
	fake := Fake(epoch)
	channel := fake.After(100 * time.Millisecond)

	fake.Advance(99 * time.Millisecond)
	select {
	case <-channel:
		t.Fatal("After fired before its deadline")
	default:
	}

	fake.Advance(time.Millisecond)
	select {
	case <-channel:
	default:
		t.Fatal("After did not fire at its deadline")
	}
	if count := fake.PendingCount(); count != 0 {
		t.Fatalf("PendingCount() = %d after firing, want 0", count)
	}
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	fake := Fake(epoch)
	for _, d := range []time.Duration{0, -time.Second} {
		select {
		case <-fake.After(d):
		default:
			t.Fatalf("After(%v) did not fire immediately", d)
		}
	}
}

func TestFakeTickerReschedules(t *testing.T) {
	fake := Fake(epoch)
	ticker := fake.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for i := range 3 {
		fake.Advance(50 * time.Millisecond)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d missing", i)
		}
	}
	if count := fake.PendingCount(); count != 1 {
		t.Fatalf("PendingCount() = %d, want 1 (the ticker)", count)
	}

	ticker.Stop()
	fake.Advance(time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeSleepWaitsForAdvance(t *testing.T) {
	fake := Fake(epoch)
	done := make(chan struct{})
	go func() {
		fake.Sleep(20 * time.Millisecond)
		close(done)
	}()

	fake.WaitForTimers(1)
	select {
	case <-done:
		t.Fatal("Sleep returned before Advance")
	default:
	}
	fake.Advance(20 * time.Millisecond)
	select {
	case <-done:
	case <-time.After(5 * time.Second): //nolint:realclock test hang prevention
		t.Fatal("Sleep did not return after Advance")
	}
}
