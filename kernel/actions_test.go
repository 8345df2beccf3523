// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kbroker/kbroker/lib/clock"
	"github.com/kbroker/kbroker/lib/kerneltest"
	"github.com/kbroker/kbroker/lib/service"
	"github.com/kbroker/kbroker/lib/testutil"
)

// servedManager returns a manager on a fake clock, so nothing spawns,
// with its actions served on a fresh socket.
func servedManager(t *testing.T) (*Manager, *service.Client) {
	t.Helper()
	manager, err := NewManager(kerneltest.Config(t.TempDir()), discardLogger(), WithClock(clock.Fake(epoch)))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	path := filepath.Join(testutil.SocketDir(t), "kbroker.sock")
	server := service.NewSocketServer(path, discardLogger())
	manager.RegisterActions(server)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "socket server ready")
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, done, 5*time.Second, "socket server stopped")
		manager.TerminateAll(context.Background())
	})
	return manager, service.NewClient(path)
}

func TestCreateAndListOverSocket(t *testing.T) {
	manager, client := servedManager(t)
	ctx := context.Background()

	info := kerneltest.Info(kerneltest.ModeEcho)
	info.ScriptFile = "report.py"
	var created CreateResponse
	if err := client.Call(ctx, ActionCreateKernel, map[string]any{"info": info, "name": "reports"}, &created); err != nil {
		t.Fatalf("create-kernel: %v", err)
	}
	if created.ID == "" || created.Port <= 0 {
		t.Fatalf("create-kernel result = %+v", created)
	}
	if _, ok := manager.Broker(created.ID); !ok {
		t.Fatalf("created kernel %s not registered", created.ID)
	}

	var list []Summary
	if err := client.Call(ctx, ActionListKernels, nil, &list); err != nil {
		t.Fatalf("list-kernels: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list-kernels returned %d kernels", len(list))
	}
	summary := list[0]
	if summary.ID != created.ID || summary.Name != "reports" || summary.Port != created.Port {
		t.Fatalf("summary = %+v, created = %+v", summary, created)
	}
	if summary.State != StateWaiting || summary.Info.ScriptFile != "report.py" {
		t.Fatalf("summary = %+v", summary)
	}

	if err := client.Call(ctx, ActionTerminateAll, nil, nil); err != nil {
		t.Fatalf("terminate-all: %v", err)
	}
	if err := client.Call(ctx, ActionListKernels, nil, &list); err != nil {
		t.Fatalf("list-kernels: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("kernels after terminate-all: %+v", list)
	}
}

func TestKernelActionsReportErrors(t *testing.T) {
	_, client := servedManager(t)
	ctx := context.Background()

	var serviceErr *service.Error
	err := client.Call(ctx, ActionTerminateKernel, map[string]any{"id": "missing"}, nil)
	if !errors.As(err, &serviceErr) || !strings.Contains(serviceErr.Message, "unknown kernel") {
		t.Fatalf("terminate-kernel on unknown id: err = %v", err)
	}

	var created CreateResponse
	if err := client.Call(ctx, ActionCreateKernel, map[string]any{"info": kerneltest.Info(kerneltest.ModeEcho)}, &created); err != nil {
		t.Fatalf("create-kernel: %v", err)
	}
	err = client.Call(ctx, ActionInterruptKernel, map[string]any{"id": string(created.ID)}, nil)
	if !errors.As(err, &serviceErr) || serviceErr.Message != ErrNoProcess.Error() {
		t.Fatalf("interrupt-kernel before spawn: err = %v", err)
	}

	err = client.Call(ctx, ActionCreateKernel, map[string]any{"info": map[string]any{"gui": "motif"}}, nil)
	if !errors.As(err, &serviceErr) || !strings.Contains(serviceErr.Message, "invalid gui") {
		t.Fatalf("create-kernel with bad gui: err = %v", err)
	}
}

func TestRestartOverSocket(t *testing.T) {
	manager := runningManager(t)
	path := filepath.Join(testutil.SocketDir(t), "kbroker.sock")
	server := service.NewSocketServer(path, discardLogger())
	manager.RegisterActions(server)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "socket server ready")

	broker, front := startKernel(t, manager, kerneltest.ModeEcho)
	client := service.NewClient(path)
	request := map[string]any{"id": string(broker.ID()), "argument": "other.py"}
	if err := client.Call(context.Background(), ActionRestartKernel, request, nil); err != nil {
		t.Fatalf("restart-kernel: %v", err)
	}
	waitFor(t, front.raw, `script="other.py"`)
	testutil.Eventually(t, lifecycleTimeout, func() bool { return broker.Status().Restarts == 1 }, "restart counted")
}
