// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

// Package kerneltest provides a stand-in kernel for tests. It speaks
// the channel protocol like the real interpreter-side kernel but is
// written in Go, so a test binary can launch itself as the kernel:
//
//	func TestMain(m *testing.M) {
//		kerneltest.RunIfRequested()
//		os.Exit(m.Run())
//	}
//
// [Info] returns a kernel definition that re-executes the test binary
// with [EnvMode] set, and [Config] a broker configuration tuned for
// fast tests.
package kerneltest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kbroker/kbroker/channel"
	"github.com/kbroker/kbroker/lib/config"
	"github.com/kbroker/kbroker/lib/kernelinfo"
)

// EnvMode selects the kernel behaviour. The test binary runs as a
// kernel when it is set.
const EnvMode = "KBROKER_TEST_KERNEL"

// Mode is a kernel behaviour.
type Mode string

const (
	// ModeEcho exits on terminate, prints KeyboardInterrupt on
	// interrupt, and prints every line sent on ctrl-command.
	ModeEcho Mode = "echo"
	// ModeStubborn ignores terminate, interrupt and SIGINT, and keeps
	// running after losing its connection. Only SIGKILL stops it.
	ModeStubborn Mode = "stubborn"
	// ModeCrash prints a traceback and exits with code CrashExitCode
	// right after connecting.
	ModeCrash Mode = "crash"
	// ModeSilent connects but never sends heartbeats.
	ModeSilent Mode = "silent"
	// ModeNoConnect exits with code NoConnectExitCode without
	// connecting.
	ModeNoConnect Mode = "noconnect"
	// ModeDisconnect connects, closes the connection, and keeps
	// running.
	ModeDisconnect Mode = "disconnect"
)

// Exit codes of the modes that exit on their own.
const (
	CrashExitCode     = 3
	NoConnectExitCode = 2
)

// Channel names used only between the test kernel and tests.
const (
	ChannelCommand = "ctrl-command"
	ChannelOutput  = "strm-out"
)

// Prompt is what the kernel publishes on strm-prompt once connected.
const Prompt = ">>> "

// Ready is printed once the kernel is connected.
const Ready = "kernel ready"

const connectTimeout = 5 * time.Second

// RunIfRequested runs the kernel and exits the process if EnvMode is
// set. Otherwise it returns immediately.
func RunIfRequested() {
	mode := os.Getenv(EnvMode)
	if mode == "" {
		return
	}
	os.Exit(Run(context.Background(), Mode(mode), os.Getenv(kernelinfo.EnvPort), os.Stdout))
}

// Run connects to the broker listening on port and behaves as mode
// until told to exit. It returns the process exit code.
func Run(ctx context.Context, mode Mode, port string, stdout io.Writer) int {
	if mode == ModeNoConnect {
		fmt.Fprintln(stdout, "kernel refusing to connect")
		return NoConnectExitCode
	}
	if port == "" {
		fmt.Fprintln(stdout, "kernel started without", kernelinfo.EnvPort)
		return 1
	}
	if mode == ModeStubborn {
		signal.Ignore(os.Interrupt, syscall.SIGTERM)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	heartbeat := channel.DefaultHeartbeatInterval
	if mode == ModeSilent {
		heartbeat = time.Hour
	}
	kernelCtx := channel.NewContext(channel.WithLogger(logger), channel.WithHeartbeat(heartbeat, 0))
	defer kernelCtx.Close()

	k := &kernel{mode: mode, stdout: stdout, exit: make(chan int, 1)}
	if err := k.openChannels(kernelCtx); err != nil {
		fmt.Fprintln(stdout, "kernel channels:", err)
		return 1
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	conn, err := kernelCtx.Connect(connectCtx, "127.0.0.1:"+port, connectTimeout, "broker")
	cancel()
	if err != nil {
		fmt.Fprintln(stdout, "kernel connect:", err)
		return 1
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go kernelCtx.Run(runCtx)

	fmt.Fprintf(stdout, "%s (script=%q)\n", Ready, os.Getenv(kernelinfo.EnvScriptFile))
	k.interpreter.Send("Ready")
	k.prompt.Send(Prompt)

	switch mode {
	case ModeCrash:
		fmt.Fprintln(stdout, "Traceback (most recent call last):")
		fmt.Fprintln(stdout, "RuntimeError: simulated crash")
		return CrashExitCode
	case ModeDisconnect:
		conn.Close("kernel hung up")
	}

	keepRunning := mode == ModeStubborn || mode == ModeDisconnect
	for {
		select {
		case code := <-k.exit:
			return code
		case <-conn.Closed():
			if !keepRunning {
				return 0
			}
			<-ctx.Done()
			return 0
		case <-ctx.Done():
			return 0
		}
	}
}

type kernel struct {
	mode   Mode
	stdout io.Writer
	exit   chan int

	prompt      *channel.PubChannel[string]
	output      *channel.PubChannel[string]
	interpreter *channel.StateChannel[string]
}

func (k *kernel) openChannels(ctx *channel.Context) error {
	var err error
	if k.prompt, err = channel.NewPubChannel[string](ctx, "strm-prompt"); err != nil {
		return err
	}
	if k.output, err = channel.NewPubChannel[string](ctx, ChannelOutput); err != nil {
		return err
	}
	if k.interpreter, err = channel.NewStateChannel[string](ctx, "stat-interpreter"); err != nil {
		return err
	}

	commands, err := channel.NewSubChannel[string](ctx, ChannelCommand)
	if err != nil {
		return err
	}
	commands.OnReceive(func(line string) {
		if k.mode == ModeEcho {
			fmt.Fprintln(k.stdout, line)
			k.output.Send(line)
		}
	})

	introspect, err := channel.NewRepChannel(ctx, "reqp-introspect")
	if err != nil {
		return err
	}
	introspect.Handle("terminate", func(channel.Request) (any, error) {
		if k.mode != ModeStubborn {
			select {
			case k.exit <- 0:
			default:
			}
		}
		return nil, nil
	})
	introspect.Handle("interrupt", func(channel.Request) (any, error) {
		if k.mode != ModeStubborn {
			fmt.Fprintln(k.stdout, "KeyboardInterrupt")
		}
		return nil, nil
	})
	return nil
}

// Info returns a kernel definition that runs the current executable
// as a test kernel in mode.
func Info(mode Mode) kernelinfo.Info {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return kernelinfo.Info{
		Exe:     exe,
		GUI:     kernelinfo.GUINone,
		Environ: map[string]string{EnvMode: string(mode)},
	}
}

// Config returns a configuration with short polling and OS-assigned
// ports. brokerDir is used as the kernels' working directory.
func Config(brokerDir string) *config.Config {
	cfg := config.Default()
	cfg.Broker.PollInterval = config.Duration(10 * time.Millisecond)
	cfg.Broker.ConnectTimeout = config.Duration(10 * time.Second)
	cfg.Broker.KernelEntryScript = "kerneltest"
	cfg.Broker.BrokerDir = brokerDir
	cfg.Broker.KernelAddress = "127.0.0.1:0"
	cfg.Broker.ClientAddress = "127.0.0.1:0"
	cfg.Broker.PortTries = 1
	cfg.Broker.HeartbeatTimeout = config.Duration(300 * time.Millisecond)
	cfg.Broker.LostConnectionGrace = config.Duration(200 * time.Millisecond)
	cfg.Terminator.TermDelay = config.Duration(2 * time.Second)
	cfg.Terminator.InterruptInterval = config.Duration(20 * time.Millisecond)
	cfg.Terminator.ShutdownPoll = config.Duration(10 * time.Millisecond)
	cfg.Transport.HeartbeatInterval = config.Duration(50 * time.Millisecond)
	return cfg
}
