// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kbroker/kbroker/lib/codec"
	"github.com/kbroker/kbroker/lib/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// serving starts server and stops it at cleanup.
func serving(t *testing.T, server *SocketServer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "socket server ready")
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, 5*time.Second, "socket server stopped"); err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
}

func newServer(t *testing.T) (*SocketServer, string) {
	t.Helper()
	path := filepath.Join(testutil.SocketDir(t), "kbroker.sock")
	return NewSocketServer(path, discardLogger()), path
}

type echoRequest struct {
	Text  string `cbor:"text"`
	Count int    `cbor:"count"`
}

func TestCallRoundTrip(t *testing.T) {
	server, path := newServer(t)
	server.Handle("echo", func(_ context.Context, raw []byte) (any, error) {
		var request echoRequest
		if err := Decode(raw, &request); err != nil {
			return nil, err
		}
		return strings.Repeat(request.Text, request.Count), nil
	})
	server.Handle("nothing", func(context.Context, []byte) (any, error) { return nil, nil })
	serving(t, server)

	client := NewClient(path)
	var reply string
	if err := client.Call(context.Background(), "echo", map[string]any{"text": "ab", "count": 3}, &reply); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply != "ababab" {
		t.Fatalf("reply = %q", reply)
	}

	reply = "unchanged"
	if err := client.Call(context.Background(), "nothing", nil, &reply); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply != "unchanged" {
		t.Fatalf("empty response overwrote result: %q", reply)
	}
}

func TestCallReportsHandlerError(t *testing.T) {
	server, path := newServer(t)
	server.Handle("fail", func(context.Context, []byte) (any, error) {
		return nil, errors.New("kernel not found")
	})
	serving(t, server)

	err := NewClient(path).Call(context.Background(), "fail", nil, nil)
	var serviceErr *Error
	if !errors.As(err, &serviceErr) {
		t.Fatalf("Call: err = %v, want *Error", err)
	}
	if serviceErr.Action != "fail" || serviceErr.Message != "kernel not found" {
		t.Fatalf("error = %+v", serviceErr)
	}
}

func TestUnknownAndMissingAction(t *testing.T) {
	server, path := newServer(t)
	serving(t, server)

	err := NewClient(path).Call(context.Background(), "nope", nil, nil)
	var serviceErr *Error
	if !errors.As(err, &serviceErr) || !strings.Contains(serviceErr.Message, `unknown action "nope"`) {
		t.Fatalf("unknown action: err = %v", err)
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := codec.NewEncoder(conn).Encode(map[string]any{"text": "no action"}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if response.OK || response.Error != "missing required field: action" {
		t.Fatalf("response = %+v", response)
	}
}

func TestSocketReplacesStaleFileAndRestrictsMode(t *testing.T) {
	server, path := newServer(t)
	if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
		t.Fatalf("writing stale file: %v", err)
	}
	serving(t, server)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		t.Fatalf("%s is not a socket", path)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("socket mode = %o, want 600", perm)
	}
}

func TestServeRemovesSocketOnShutdown(t *testing.T) {
	server, path := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "socket server ready")

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "socket server stopped"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("socket file still present: %v", err)
	}
}

func TestDuplicateHandlerPanics(t *testing.T) {
	server, _ := newServer(t)
	server.Handle("list-kernels", func(context.Context, []byte) (any, error) { return nil, nil })
	defer func() {
		if recover() == nil {
			t.Fatal("second Handle did not panic")
		}
	}()
	server.Handle("list-kernels", func(context.Context, []byte) (any, error) { return nil, nil })
}

func TestCallWithoutServer(t *testing.T) {
	path := filepath.Join(testutil.SocketDir(t), "absent.sock")
	err := NewClient(path).Call(context.Background(), "list-kernels", nil, nil)
	var serviceErr *Error
	if err == nil || errors.As(err, &serviceErr) {
		t.Fatalf("Call to missing socket: err = %v, want a transport error", err)
	}
}
