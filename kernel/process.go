// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// exitUnknown is the exit code reported while a process runs, or when
// Wait failed without an exit status.
const exitUnknown = -1

// process is one spawned kernel interpreter. Its stdout and stderr
// share a single pipe so the stream reader sees them interleaved in
// the order the kernel wrote them.
type process struct {
	cmd     *exec.Cmd
	pid     int
	started time.Time

	// output is the read end of the combined stdout/stderr pipe.
	output io.ReadCloser
	stdin  io.WriteCloser

	done     chan struct{}
	exitCode atomic.Int32
	waitErr  error
}

// startProcess launches argv in its own process group so that signals
// reach the interpreter and anything it spawned.
func startProcess(argv, env []string, dir string) (*process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty kernel command")
	}
	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating output pipe: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Dir = dir
	cmd.Stdout = writeEnd
	cmd.Stderr = writeEnd
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		readEnd.Close()
		writeEnd.Close()
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		readEnd.Close()
		writeEnd.Close()
		stdin.Close()
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}
	// The child holds its own copy; ours would keep the pipe open past
	// the child's exit.
	writeEnd.Close()

	p := &process{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: time.Now(), //nolint:realclock uptime is reported in wall time
		output:  readEnd,
		stdin:   stdin,
		done:    make(chan struct{}),
	}
	p.exitCode.Store(exitUnknown)
	go p.wait()
	return p, nil
}

func (p *process) wait() {
	err := p.cmd.Wait()
	code := exitUnknown
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		code = 0
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			code = -int(status.Signal())
		}
	}
	p.waitErr = err
	p.exitCode.Store(int32(code))
	p.stdin.Close()
	close(p.done)
}

// poll reports whether the process exited and, if so, its exit code.
// A process killed by signal N reports -N.
func (p *process) poll() (int, bool) {
	select {
	case <-p.done:
		return int(p.exitCode.Load()), true
	default:
		return 0, false
	}
}

// uptime is how long the process ran, or has run so far.
func (p *process) uptime() time.Duration {
	return time.Since(p.started) //nolint:realclock uptime is reported in wall time
}

// err returns the error Wait reported. It is valid once Done is
// closed.
func (p *process) err() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

// Done is closed once the process has been reaped.
func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) alive() bool {
	_, exited := p.poll()
	return !exited
}

// signal delivers sig to the process group. Signalling a process that
// already exited is not an error.
func (p *process) signal(sig unix.Signal) error {
	if !p.alive() {
		return nil
	}
	err := unix.Kill(-p.pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(p.pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (p *process) kill() error      { return p.signal(unix.SIGKILL) }
func (p *process) interrupt() error { return p.signal(unix.SIGINT) }
