// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/kbroker/kbroker/channel"
	"github.com/kbroker/kbroker/lib/clock"
	"github.com/kbroker/kbroker/lib/config"
	"github.com/kbroker/kbroker/lib/kernelinfo"
)

var (
	// ErrKernelRunning is returned by StartKernel while a kernel
	// process is alive.
	ErrKernelRunning = errors.New("kernel: process already running")

	// ErrBrokerDestroyed is returned by operations on a broker the
	// manager has torn down.
	ErrBrokerDestroyed = errors.New("kernel: broker destroyed")

	// ErrNoProcess is returned by Interrupt and Terminate when no
	// kernel process is running.
	ErrNoProcess = errors.New("kernel: no kernel process")
)

// Channel names shared by the broker, its kernel and front-ends.
const (
	ChannelNotices     = "strm-broker"
	ChannelRawOutput   = "strm-raw"
	ChannelPrompt      = "strm-prompt"
	ChannelControl     = "ctrl-broker"
	ChannelStartup     = "stat-startup"
	ChannelInterpreter = "stat-interpreter"
	ChannelHeartbeat   = "stat-heartbeat"
	ChannelStatus      = "stat-broker"
	ChannelIntrospect  = "reqp-introspect"
)

// Commands accepted on the control channel, one per message.
const (
	CommandInterrupt = "INT"
	CommandTerminate = "TERM"
	CommandRestart   = "RESTART"
)

// Values the broker publishes on the interpreter state and prompt
// channels.
const (
	InterpreterBusy     = "Busy"
	InterpreterVeryBusy = "Very busy"
	InterpreterDead     = "Dead"
	PromptClear         = "\b"
)

// Methods called on the kernel's introspection channel.
const (
	introspectTerminate = "terminate"
	introspectInterrupt = "interrupt"
)

// readerDrainTimeout bounds the wait for a dead kernel's last output
// before its exit is announced.
const readerDrainTimeout = 100 * time.Millisecond

// killWaitTimeout bounds the wait for the kernel to be reaped after
// SIGKILL during shutdown.
const killWaitTimeout = 5 * time.Second

// State is a broker lifecycle state.
type State string

const (
	StateCreated     State = "created"
	StateWaiting     State = "waiting-for-client"
	StateSpawning    State = "spawning"
	StateRunning     State = "running"
	StateTerminating State = "terminating"
	StateExited      State = "exited"
	StateDestroyed   State = "destroyed"
)

// Status is published on the stat-broker channel at every transition.
type Status struct {
	State    State `cbor:"state"`
	PID      int   `cbor:"pid,omitempty"`
	Restarts int   `cbor:"restarts"`
	// ExitCode is the last kernel's exit code, meaningful in the
	// exited state. A kernel killed by signal N reports -N.
	ExitCode int `cbor:"exit_code,omitempty"`
}

// Handle identifies a broker within its manager.
type Handle string

func (h Handle) short() string {
	if len(h) > 8 {
		return string(h[:8])
	}
	return string(h)
}

// brokerDeps is what a broker borrows from its manager.
type brokerDeps struct {
	cfg            *config.Config
	logger         *slog.Logger
	clock          clock.Clock
	metrics        Metrics
	host           kernelinfo.Host
	contextOptions []channel.Option
}

// brokerChannels is the channel set rebuilt on every spawn.
type brokerChannels struct {
	notices     *channel.PubChannel[string]
	raw         *channel.PubChannel[string]
	prompt      *channel.PubChannel[string]
	control     *channel.SubChannel[string]
	startup     *channel.StateChannel[kernelinfo.Info]
	interpreter *channel.StateChannel[string]
	heartbeat   *channel.StateChannel[bool]
	status      *channel.StateChannel[Status]
	introspect  *channel.ReqChannel
}

func openChannels(ctx *channel.Context) (*brokerChannels, error) {
	ctx.CloseChannels()

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	set := &brokerChannels{}
	var err error
	set.notices, err = channel.NewPubChannel[string](ctx, ChannelNotices)
	collect(err)
	set.raw, err = channel.NewPubChannel[string](ctx, ChannelRawOutput)
	collect(err)
	set.prompt, err = channel.NewPubChannel[string](ctx, ChannelPrompt)
	collect(err)
	set.control, err = channel.NewSubChannel[string](ctx, ChannelControl)
	collect(err)
	set.startup, err = channel.NewStateChannel[kernelinfo.Info](ctx, ChannelStartup)
	collect(err)
	set.interpreter, err = channel.NewStateChannel[string](ctx, ChannelInterpreter)
	collect(err)
	set.heartbeat, err = channel.NewStateChannel[bool](ctx, ChannelHeartbeat)
	collect(err)
	set.status, err = channel.NewStateChannel[Status](ctx, ChannelStatus)
	collect(err)
	set.introspect, err = channel.NewReqChannel(ctx, ChannelIntrospect)
	collect(err)
	if len(errs) > 0 {
		return nil, fmt.Errorf("creating broker channels: %w", errors.Join(errs...))
	}
	return set, nil
}

// Broker supervises one logical kernel: it spawns the interpreter,
// relays channels between it and the front-ends, and restarts or tears
// it down on request. A Broker is created by a Manager, whose loop
// drives it; its methods are safe for concurrent use.
type Broker struct {
	id     Handle
	name   string
	deps   brokerDeps
	logger *slog.Logger
	ctx    *channel.Context

	mu             sync.Mutex
	state          State
	original       kernelinfo.Info
	info           kernelinfo.Info
	effective      kernelinfo.Info
	channels       *brokerChannels
	clientPort     int
	kernelConn     *channel.Connection
	process        *process
	reader         *StreamReader
	terminator     *Terminator
	waiting        bool
	waitDeadline   time.Time
	pendingRestart bool
	restarts       int
	exitCode       int
}

func newBroker(id Handle, name string, info kernelinfo.Info, deps brokerDeps) (*Broker, error) {
	logger := deps.logger.With("kernel", name, "broker", id.short())
	options := append([]channel.Option{channel.WithLogger(logger)}, deps.contextOptions...)
	b := &Broker{
		id:       id,
		name:     name,
		deps:     deps,
		logger:   logger,
		ctx:      channel.NewContext(options...),
		state:    StateCreated,
		original: info.Clone(),
		info:     info.Clone(),
	}
	channels, err := openChannels(b.ctx)
	if err != nil {
		b.ctx.Close()
		return nil, err
	}
	b.channels = channels
	return b, nil
}

// ID returns the broker's handle.
func (b *Broker) ID() Handle { return b.id }

// Name returns the kernel's display name.
func (b *Broker) Name() string { return b.name }

// Info returns the launch configuration the next spawn uses.
func (b *Broker) Info() kernelinfo.Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info.Clone()
}

// Effective returns the resolved configuration of the last spawn.
func (b *Broker) Effective() kernelinfo.Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effective.Clone()
}

// ClientPort returns the port of the first hosted front-end endpoint.
func (b *Broker) ClientPort() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clientPort
}

// Status returns the current lifecycle status.
func (b *Broker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked()
}

// PID returns the kernel process id, or 0 when none runs.
func (b *Broker) PID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.process == nil {
		return 0
	}
	return b.process.pid
}

// IsTerminating reports whether a termination is in progress.
func (b *Broker) IsTerminating() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminator != nil
}

func (b *Broker) statusLocked() Status {
	status := Status{State: b.state, Restarts: b.restarts, ExitCode: b.exitCode}
	if b.process != nil {
		status.PID = b.process.pid
	}
	return status
}

func (b *Broker) setState(state State) {
	if b.state == state {
		return
	}
	b.logger.Info("kernel state changed", "from", string(b.state), "to", string(state))
	b.state = state
	b.published("broker status", b.channels.status.Send(b.statusLocked()))
}

func (b *Broker) notice(text string) {
	b.published("broker notice", b.channels.notices.Send(text))
}

// published logs a failed publish on a channel that is still open.
func (b *Broker) published(what string, err error) {
	if err != nil && !errors.Is(err, channel.ErrClosed) {
		b.logger.Warn("publishing "+what, "error", err)
	}
}

// Host binds an endpoint for a front-end on address, which replaces
// the host part of the configured client address when non-empty. The
// endpoint waits for its peer indefinitely. It returns the bound port.
func (b *Broker) Host(address string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateDestroyed {
		return 0, ErrBrokerDestroyed
	}
	target := b.deps.cfg.Broker.ClientAddress
	if address != "" {
		port := target[strings.LastIndex(target, ":")+1:]
		target = address + ":" + port
	}
	conn, err := b.ctx.Bind(target, b.deps.cfg.Broker.PortTries, "ide")
	if err != nil {
		return 0, fmt.Errorf("hosting front-end endpoint: %w", err)
	}
	if b.clientPort == 0 {
		b.clientPort = conn.Port()
	}
	return conn.Port(), nil
}

// StartKernelIfConnected spawns the kernel on the first tick that sees
// a connected front-end. If none connects within timeout the broker
// gives up and is destroyed on a later tick.
func (b *Broker) StartKernelIfConnected(timeout time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateDestroyed || b.process != nil {
		return
	}
	b.waiting = true
	b.waitDeadline = b.deps.clock.Now().Add(timeout)
	b.setState(StateWaiting)
}

// StartKernel spawns the kernel process now.
func (b *Broker) StartKernel() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startKernel()
}

func (b *Broker) startKernel() error {
	switch {
	case b.state == StateDestroyed:
		return ErrBrokerDestroyed
	case b.process != nil:
		return ErrKernelRunning
	}
	b.waiting = false
	restart := b.pendingRestart
	b.pendingRestart = false

	channels, err := openChannels(b.ctx)
	if err != nil {
		return err
	}
	b.channels = channels
	b.setState(StateSpawning)

	b.effective = b.info.Effective(b.deps.host)
	b.published("startup info", b.channels.startup.Send(b.effective))

	cfg := b.deps.cfg.Broker
	conn, err := b.ctx.Bind(cfg.KernelAddress, cfg.PortTries, "kernel")
	if err != nil {
		b.notice(fmt.Sprintf("\nCould not host a connection for the kernel: %v\n\n", err))
		b.setState(StateExited)
		return fmt.Errorf("hosting kernel endpoint: %w", err)
	}

	argv := b.effective.Command(cfg.KernelEntryScript, conn.Port())
	env := b.effective.ChildEnviron(b.deps.host, conn.Port())
	proc, err := startProcess(argv, env, workingDir(b.deps.host.BrokerDir))
	if err != nil {
		conn.Close("kernel failed to start")
		b.deps.metrics.KernelExited(ExitCauseSpawnFailed)
		b.logger.Error("spawning kernel", "command", argv, "error", err)
		b.notice(fmt.Sprintf("\nThe process failed to start (invalid command?).\n%v\n\n", err))
		b.sendDead()
		b.setState(StateExited)
		return err
	}

	conn.SetTimeout(cfg.HeartbeatTimeout.Std())
	conn.OnClosed(b.onKernelConnectionClosed)
	conn.OnTimedOut(b.onKernelTimedOut)
	b.kernelConn = conn
	b.process = proc
	b.reader = StartStreamReader(proc.output, b.channels.raw, b.logger)
	b.exitCode = 0

	b.deps.metrics.KernelSpawned()
	if restart {
		b.restarts++
		b.deps.metrics.KernelRestarted()
	}
	b.logger.Info("kernel process started", "pid", proc.pid, "port", conn.Port(), "command", argv)
	b.notice(fmt.Sprintf("Kernel process started (pid %d).\n", proc.pid))
	b.published("heartbeat", b.channels.heartbeat.Send(true))
	b.setState(StateRunning)
	return nil
}

// workingDir returns dir if it exists, otherwise "" so the kernel
// inherits the broker's directory.
func workingDir(dir string) string {
	if dir == "" {
		return ""
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return ""
	}
	return dir
}

// Interrupt asks the kernel to raise a keyboard interrupt. It does
// not wait for the kernel to act.
func (b *Broker) Interrupt() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.process == nil {
		b.notice("Cannot interrupt: process is dead.\n")
		return ErrNoProcess
	}
	if b.deps.cfg.Broker.InterruptWithSignal {
		return b.process.interrupt()
	}
	return b.channels.introspect.Notify(introspectInterrupt)
}

// Terminate begins a shutdown of the kernel process. A shutdown
// already in progress is left to run its course.
func (b *Broker) Terminate(reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.process == nil {
		b.notice("Cannot terminate: process is dead.\n")
		return ErrNoProcess
	}
	if b.terminator == nil {
		b.terminate(reason, ActionTerm, 0)
	}
	return nil
}

// Restart terminates the kernel and spawns a new one once it exited.
// argument is empty, a script file to run, or a JSON object of
// kernel fields to override, as accepted by the RESTART command.
func (b *Broker) Restart(argument string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.restart(argument)
}

func (b *Broker) terminate(reason string, action Action, delay time.Duration) {
	b.terminator = NewTerminator(brokerTarget{b}, reason, action, delay,
		WithTerminatorClock(b.deps.clock),
		WithEscalation(EscalationFromConfig(b.deps.cfg.Terminator)),
		WithTerminatorMetrics(b.deps.metrics),
		WithTerminatorLogger(b.logger),
	)
	b.setState(StateTerminating)
}

// brokerTarget is the Terminator's view of a broker. Its methods run
// with the broker's lock held.
type brokerTarget struct{ b *Broker }

func (t brokerTarget) RequestTerminate() { t.notify(introspectTerminate) }
func (t brokerTarget) RequestInterrupt() { t.notify(introspectInterrupt) }

func (t brokerTarget) notify(method string) {
	if err := t.b.channels.introspect.Notify(method); err != nil {
		t.b.logger.Debug("sending introspection request", "method", method, "error", err)
	}
}

func (t brokerTarget) Kill() error {
	if t.b.process == nil {
		return nil
	}
	return t.b.process.kill()
}

func (b *Broker) onKernelConnectionClosed(conn *channel.Connection, reason string) {
	if conn != b.kernelConn || b.process == nil {
		return
	}
	b.logger.Info("kernel connection closed", "reason", reason)
	// Without the connection the kernel cannot be asked to stop, so
	// skip straight to the kill. The grace period lets a kernel that
	// is already exiting report its own exit code.
	if b.terminator == nil {
		b.terminate("because connection was lost", ActionKill, b.deps.cfg.Broker.LostConnectionGrace.Std())
	}
}

func (b *Broker) onKernelTimedOut(conn *channel.Connection, timedOut bool) {
	if conn != b.kernelConn {
		return
	}
	state, alive := InterpreterBusy, true
	if timedOut {
		state, alive = InterpreterVeryBusy, false
	}
	b.published("interpreter state", b.channels.interpreter.Send(state))
	b.published("heartbeat", b.channels.heartbeat.Send(alive))
}

// tick runs one iteration of the broker loop. It returns false once
// the broker has been destroyed.
func (b *Broker) tick() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateDestroyed {
		return false
	}

	connections := b.ctx.ConnectionCount()
	clients := connections
	if b.kernelConn != nil && b.kernelConn.IsConnected() {
		clients--
	}
	if b.process == nil && !b.waiting && clients <= 0 {
		b.destroy()
		return false
	}

	if b.waiting {
		if connections > 0 {
			b.startKernel()
		} else if !b.deps.clock.Now().Before(b.waitDeadline) {
			b.logger.Info("no front-end connected, giving up")
			b.waiting = false
			b.setState(StateExited)
		}
		return true
	}

	b.ctx.Pump()

	if b.process != nil {
		if code, exited := b.process.poll(); exited {
			b.kernelDied(code)
			return true
		}
		if b.terminator != nil {
			b.terminator.Step()
		}
	} else if b.terminator != nil {
		b.terminator = nil
	}

	b.handleControl()
	return true
}

func (b *Broker) kernelDied(code int) {
	var message, cause string
	switch {
	case b.kernelConn != nil && b.kernelConn.IsWaiting():
		message, cause = "The process failed to start (invalid command?).", ExitCauseNoHandshake
	case b.terminator == nil:
		message, cause = "Kernel process exited.", ExitCauseExited
	case b.terminator.Previous() == ActionNone:
		// A shutdown was scheduled but something else ended the process.
		message, cause = "The kernel process exited.", ExitCauseExited
	default:
		message, cause = b.terminator.Message("Kernel process"), ExitCauseTerminated
	}
	b.logger.Info("kernel process ended",
		"pid", b.process.pid,
		"exit_code", code,
		"cause", cause,
		"uptime", b.process.uptime().Round(time.Millisecond),
		"wait_error", b.process.err(),
	)
	b.deps.metrics.KernelExited(cause)

	b.drainReader()
	if b.ctx.ConnectionCount() > 0 {
		b.notice(fmt.Sprintf("\n%s (%d)\n\n", message, code))
	}
	b.sendDead()

	b.exitCode = code
	b.reset()
	b.setState(StateExited)

	if b.pendingRestart {
		b.startKernel()
	}
}

// drainReader gives the stream reader a moment to publish the last
// lines the kernel wrote, so they precede the exit notice.
func (b *Broker) drainReader() {
	if b.reader == nil {
		return
	}
	select {
	case <-b.reader.Done():
	case <-time.After(readerDrainTimeout): //nolint:realclock pipe drain is bounded in wall time
		b.reader.Stop()
	}
}

func (b *Broker) sendDead() {
	b.published("prompt", b.channels.prompt.Send(PromptClear))
	b.published("interpreter state", b.channels.interpreter.Send(InterpreterDead))
	b.published("heartbeat", b.channels.heartbeat.Send(false))
}

// reset drops the references to the current kernel process.
func (b *Broker) reset() {
	if b.kernelConn != nil {
		b.kernelConn.Close("kernel process ended")
	}
	b.kernelConn = nil
	b.process = nil
	b.reader = nil
	b.terminator = nil
}

func (b *Broker) destroy() {
	b.reset()
	b.waiting = false
	b.setState(StateDestroyed)
	b.ctx.Close()
}

func (b *Broker) handleControl() {
	for _, message := range b.channels.control.RecvAll() {
		command := strings.TrimSpace(message)
		switch {
		case command == CommandInterrupt:
			b.commandInterrupt()
		case command == CommandTerminate:
			b.commandTerminate()
		case strings.HasPrefix(command, CommandRestart):
			if err := b.restart(strings.TrimSpace(strings.TrimPrefix(command, CommandRestart))); err != nil {
				b.logger.Warn("restart command", "error", err)
			}
		default:
			b.logger.Debug("ignoring control message", "message", command)
		}
	}
}

func (b *Broker) commandInterrupt() {
	if b.process == nil {
		b.notice("Cannot interrupt: process is dead.\n")
		return
	}
	if b.deps.cfg.Broker.InterruptWithSignal {
		if err := b.process.interrupt(); err != nil {
			b.logger.Warn("interrupting kernel", "error", err)
		}
		return
	}
	if err := b.channels.introspect.Notify(introspectInterrupt); err != nil {
		b.logger.Debug("sending interrupt", "error", err)
	}
}

func (b *Broker) commandTerminate() {
	switch {
	case b.process == nil:
		b.notice("Cannot terminate: process is dead.\n")
	case b.terminator != nil:
	default:
		b.terminate("by user", ActionTerm, 0)
	}
}

func (b *Broker) restart(argument string) error {
	if b.state == StateDestroyed {
		return ErrBrokerDestroyed
	}
	info := b.original.Clone()
	switch {
	case argument == "":
	case strings.HasPrefix(argument, "{"):
		merged, err := info.Merge([]byte(argument))
		if err != nil {
			b.notice(fmt.Sprintf("Cannot restart: %v\n", err))
			return err
		}
		info = merged
	default:
		info = info.WithScriptFile(argument)
	}
	b.info = info
	b.pendingRestart = true

	switch {
	case b.process == nil:
		return b.startKernel()
	case b.terminator != nil:
		return nil
	default:
		b.terminate("for restart", ActionTerm, 0)
		return nil
	}
}

// shutdown drives the kernel down synchronously and destroys the
// broker. Cancelling ctx skips to the kill.
func (b *Broker) shutdown(ctx context.Context, poll time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateDestroyed {
		return
	}
	b.waiting = false
	b.pendingRestart = false

	if proc := b.process; proc != nil {
		terminator := NewTerminator(brokerTarget{b}, "for closing down", ActionTerm, 0,
			WithTerminatorClock(b.deps.clock),
			WithEscalation(EscalationFromConfig(b.deps.cfg.Terminator)),
			WithTerminatorMetrics(b.deps.metrics),
			WithTerminatorLogger(b.logger),
		)
		b.terminator = terminator
		b.setState(StateTerminating)

	escalate:
		for proc.alive() && !terminator.Done() {
			select {
			case <-proc.Done():
				break escalate
			case <-ctx.Done():
				break escalate
			case <-b.deps.clock.After(poll):
			}
			terminator.Step()
			b.ctx.Pump()
		}

		if proc.alive() {
			if err := proc.kill(); err != nil {
				b.logger.Error("killing kernel process", "pid", proc.pid, "error", err)
			}
			select {
			case <-proc.Done():
			case <-time.After(killWaitTimeout): //nolint:realclock reaping is bounded in wall time
				b.logger.Error("kernel process survived SIGKILL", "pid", proc.pid)
			}
		}
		code, _ := proc.poll()
		b.logger.Info("kernel process ended", "pid", proc.pid, "exit_code", code, "cause", ExitCauseTerminated)
		b.deps.metrics.KernelExited(ExitCauseTerminated)
		b.drainReader()
		b.notice(fmt.Sprintf("\n%s (%d)\n\n", terminator.Message("Kernel process"), code))
		b.sendDead()
		b.exitCode = code
	}
	b.destroy()
}
