// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/kbroker/kbroker/lib/testutil"
)

func TestProcessReportsExitStatus(t *testing.T) {
	proc, err := startProcess([]string{"/bin/sh", "-c", "exit 3"}, os.Environ(), "")
	if err != nil {
		t.Fatalf("startProcess: %v", err)
	}
	defer proc.output.Close()
	testutil.RequireClosed(t, proc.Done(), 5*time.Second, "process reaped")

	code, exited := proc.poll()
	if !exited || code != 3 {
		t.Fatalf("poll = (%d, %v), want (3, true)", code, exited)
	}
	var exitErr *exec.ExitError
	if !errors.As(proc.err(), &exitErr) {
		t.Fatalf("err = %v, want *exec.ExitError", proc.err())
	}
	if proc.uptime() <= 0 {
		t.Fatalf("uptime = %v", proc.uptime())
	}
}

func TestProcessKilledReportsNegativeSignal(t *testing.T) {
	proc, err := startProcess([]string{"/bin/sh", "-c", "sleep 30"}, os.Environ(), "")
	if err != nil {
		t.Fatalf("startProcess: %v", err)
	}
	defer proc.output.Close()
	if proc.err() != nil {
		t.Fatalf("err before exit = %v", proc.err())
	}

	if err := proc.kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	testutil.RequireClosed(t, proc.Done(), 5*time.Second, "process reaped")
	if code, _ := proc.poll(); code != -int(syscall.SIGKILL) {
		t.Fatalf("exit code = %d, want %d", code, -int(syscall.SIGKILL))
	}
	// Signalling a reaped process is not an error.
	if err := proc.interrupt(); err != nil {
		t.Fatalf("interrupt after exit: %v", err)
	}
}
