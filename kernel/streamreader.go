// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kbroker/kbroker/channel"
)

// lineSink receives each line the kernel writes. PubChannel.Send is
// the only implementation outside tests.
type lineSink interface {
	Send(line string) error
}

// StreamReader copies a kernel's combined stdout and stderr onto a
// text channel, one line per message. Pipe reads block, so each reader
// owns a goroutine that ends when the kernel closes its output.
type StreamReader struct {
	source io.ReadCloser
	sink   lineSink
	logger *slog.Logger
	done   chan struct{}
}

// StartStreamReader begins copying source to sink.
func StartStreamReader(source io.ReadCloser, sink lineSink, logger *slog.Logger) *StreamReader {
	r := &StreamReader{
		source: source,
		sink:   sink,
		logger: logger,
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Done is closed when the reader has published the last line.
func (r *StreamReader) Done() <-chan struct{} { return r.done }

// Stop closes the source, which unblocks a pending read. Lines not yet
// read are lost.
func (r *StreamReader) Stop() {
	r.source.Close()
}

func (r *StreamReader) run() {
	defer close(r.done)
	defer r.source.Close()

	reader := bufio.NewReader(r.source)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			r.publish(strings.ToValidUTF8(line, ""))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				r.logger.Warn("reading kernel output", "error", err)
			}
			return
		}
	}
}

func (r *StreamReader) publish(line string) {
	if line == "" {
		return
	}
	if err := r.sink.Send(line); err != nil && !errors.Is(err, channel.ErrClosed) {
		r.logger.Warn("publishing kernel output", "error", err)
	}
}
