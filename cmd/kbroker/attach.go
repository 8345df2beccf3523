// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/kbroker/kbroker/channel"
	"github.com/kbroker/kbroker/kernel"
)

// Channels the interpreter side uses for code and its output.
const (
	commandChannel = "ctrl-command"
	stdoutChannel  = "strm-out"
	stderrChannel  = "strm-err"
)

const attachConnectTimeout = 5 * time.Second

func attachCommand() *command {
	var host string
	var raw bool
	return &command{
		name:    "attach",
		summary: "Attach a text front-end to a kernel's port",
		usage:   "kbroker attach [--host HOST] [--raw] PORT",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("attach", pflag.ContinueOnError)
			flagSet.StringVar(&host, "host", "127.0.0.1", "broker host")
			flagSet.BoolVar(&raw, "raw", false, "show the kernel's raw process output instead of its output channels")
			return flagSet
		},
		run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected the kernel's port")
			}
			port, err := strconv.Atoi(args[0])
			if err != nil || port <= 0 || port > 65535 {
				return fmt.Errorf("invalid port %q", args[0])
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			session := attachSession{
				address:     fmt.Sprintf("%s:%d", host, port),
				raw:         raw,
				stdin:       os.Stdin,
				stdout:      os.Stdout,
				interactive: term.IsTerminal(int(os.Stdin.Fd())),
			}
			return session.run(ctx)
		},
	}
}

// attachAction is what one input line asks for.
type attachAction struct {
	channel string
	message string
	quit    bool
}

// parseAttachLine maps an input line to an action. Lines starting with
// ":" are broker commands; anything else is code for the kernel.
func parseAttachLine(line string) (attachAction, error) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, ":") {
		return attachAction{channel: commandChannel, message: line}, nil
	}
	word, argument, _ := strings.Cut(trimmed[1:], " ")
	switch word {
	case "int":
		return attachAction{channel: kernel.ChannelControl, message: kernel.CommandInterrupt}, nil
	case "term":
		return attachAction{channel: kernel.ChannelControl, message: kernel.CommandTerminate}, nil
	case "restart":
		message := kernel.CommandRestart
		if argument = strings.TrimSpace(argument); argument != "" {
			message += " " + argument
		}
		return attachAction{channel: kernel.ChannelControl, message: message}, nil
	case "quit":
		return attachAction{quit: true}, nil
	}
	return attachAction{}, fmt.Errorf("unknown command :%s (try :int, :term, :restart [file|json], :quit)", word)
}

type attachSession struct {
	address     string
	raw         bool
	stdin       io.Reader
	stdout      io.Writer
	interactive bool

	mu sync.Mutex
}

func (s *attachSession) write(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	io.WriteString(s.stdout, text)
}

func (s *attachSession) run(ctx context.Context) error {
	channelCtx := channel.NewContext(channel.WithLogger(quietLogger(os.Stderr)))
	defer channelCtx.Close()

	publishers, err := s.openChannels(channelCtx)
	if err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, attachConnectTimeout)
	conn, err := channelCtx.Connect(connectCtx, s.address, attachConnectTimeout, "broker")
	cancel()
	if err != nil {
		return err
	}
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go channelCtx.Run(runCtx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		reader := bufio.NewReader(s.stdin)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				select {
				case lines <- strings.TrimSuffix(line, "\n"):
				case <-runCtx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.Closed():
			s.write("\nbroker closed the connection\n")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			action, err := parseAttachLine(line)
			if err != nil {
				s.write(err.Error() + "\n")
				continue
			}
			if action.quit {
				return nil
			}
			if err := publishers[action.channel].Send(action.message); err != nil && !errors.Is(err, channel.ErrClosed) {
				return err
			}
		}
	}
}

// openChannels subscribes the output streams and returns the
// publishers keyed by channel name.
func (s *attachSession) openChannels(ctx *channel.Context) (map[string]*channel.PubChannel[string], error) {
	streams := []string{kernel.ChannelNotices, stdoutChannel, stderrChannel}
	if s.raw {
		streams = []string{kernel.ChannelNotices, kernel.ChannelRawOutput}
	}
	for _, name := range streams {
		sub, err := channel.NewSubChannel[string](ctx, name)
		if err != nil {
			return nil, err
		}
		sub.OnReceive(s.write)
	}

	if s.interactive {
		prompt, err := channel.NewSubChannel[string](ctx, kernel.ChannelPrompt)
		if err != nil {
			return nil, err
		}
		prompt.OnReceive(func(text string) {
			if text != kernel.PromptClear {
				s.write(text)
			}
		})
	}

	status, err := channel.NewStateChannel[kernel.Status](ctx, kernel.ChannelStatus)
	if err != nil {
		return nil, err
	}
	status.OnChange(func(status kernel.Status) {
		if status.State == kernel.StateExited || status.State == kernel.StateRunning {
			s.write(fmt.Sprintf("[kernel %s]\n", status.State))
		}
	})

	publishers := make(map[string]*channel.PubChannel[string], 2)
	for _, name := range []string{commandChannel, kernel.ChannelControl} {
		pub, err := channel.NewPubChannel[string](ctx, name)
		if err != nil {
			return nil, err
		}
		publishers[name] = pub
	}
	return publishers, nil
}
