// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kbroker/kbroker/lib/testutil"
)

type collectingSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *collectingSink) Send(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	return nil
}

func (s *collectingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStreamReaderPublishesLinesUntilEOF(t *testing.T) {
	readEnd, writeEnd := io.Pipe()
	sink := &collectingSink{}
	reader := StartStreamReader(readEnd, sink, discardLogger())

	go func() {
		io.WriteString(writeEnd, "first line\nsecond ")
		io.WriteString(writeEnd, "line\n\xff\xfebad bytes\ntrailing")
		writeEnd.Close()
	}()

	testutil.RequireClosed(t, reader.Done(), 5*time.Second, "reader exit on EOF")
	want := []string{"first line\n", "second line\n", "bad bytes\n", "trailing"}
	got := sink.snapshot()
	if len(got) != len(want) {
		t.Fatalf("lines = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStreamReaderStopUnblocksRead(t *testing.T) {
	readEnd, writeEnd := io.Pipe()
	defer writeEnd.Close()
	reader := StartStreamReader(readEnd, &collectingSink{}, discardLogger())

	reader.Stop()
	testutil.RequireClosed(t, reader.Done(), 5*time.Second, "reader exit after Stop")
}
