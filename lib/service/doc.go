// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the local management surfaces of the
// kbroker daemon.
//
// The management socket is a Unix socket speaking a one-shot CBOR
// protocol: the client connects, writes one request map carrying an
// "action" field plus action-specific fields, and reads one
// [Response] envelope before the connection closes. [SocketServer]
// dispatches actions to registered handlers and [Client] is its
// counterpart. Access control is the socket file's permissions; the
// socket is created mode 0600.
//
// [HTTPServer] serves an http.Handler on TCP with graceful shutdown.
// The daemon uses it for the Prometheus /metrics endpoint.
package service
