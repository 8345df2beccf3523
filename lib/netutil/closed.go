// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds the network helpers shared by the channel
// transport and the management socket: parsing of kbroker addresses
// and classification of routine disconnect errors.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is how a peer going away
// normally surfaces: EOF, a closed connection, a broken pipe or a
// reset. A kernel that is killed mid-write produces ECONNRESET on the
// broker side; none of these belong in an error log.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
