// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/kbroker/kbroker/lib/kerneltest"
	"github.com/kbroker/kbroker/lib/testutil"
)

// gathered returns the families in registry keyed by name.
func gathered(t *testing.T, registry *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, family := range families {
		byName[family.GetName()] = family
	}
	return byName
}

func TestPrometheusMetricsRegistersOnce(t *testing.T) {
	registry := prometheus.NewRegistry()
	if _, err := NewPrometheusMetrics(registry); err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	if _, err := NewPrometheusMetrics(registry); err == nil {
		t.Fatal("registering the collectors twice succeeded")
	}
}

func TestPrometheusMetricsTrackKernelLifecycle(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(registry)
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	manager, err := NewManager(kerneltest.Config(t.TempDir()), discardLogger(), WithMetrics(metrics))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		manager.Run(ctx)
		close(finished)
	}()
	defer func() {
		cancel()
		<-finished
		manager.TerminateAll(context.Background())
	}()

	broker, front := startKernel(t, manager, kerneltest.ModeEcho)
	send(t, front.control, CommandTerminate)
	waitFor(t, front.notices, "Kernel process terminated by user.")
	testutil.Eventually(t, lifecycleTimeout, func() bool { return broker.PID() == 0 }, "kernel reaped")

	if got := promtest.ToFloat64(metrics.spawns); got != 1 {
		t.Fatalf("spawns = %v, want 1", got)
	}
	if got := promtest.ToFloat64(metrics.exits.WithLabelValues(ExitCauseTerminated)); got != 1 {
		t.Fatalf("terminated exits = %v, want 1", got)
	}
	if got := promtest.ToFloat64(metrics.actions.WithLabelValues("TERM")); got != 1 {
		t.Fatalf("TERM actions = %v, want 1", got)
	}
	if got := promtest.ToFloat64(metrics.active); got != 1 {
		t.Fatalf("active kernels = %v, want 1", got)
	}

	families := gathered(t, registry)
	for _, name := range []string{
		"kbroker_kernel_spawns_total",
		"kbroker_kernel_exits_total",
		"kbroker_terminator_actions_total",
		"kbroker_kernels_active",
	} {
		if _, ok := families[name]; !ok {
			t.Fatalf("metric %s not gathered", name)
		}
	}
	if kind := families["kbroker_kernels_active"].GetType(); kind != dto.MetricType_GAUGE {
		t.Fatalf("kbroker_kernels_active type = %v", kind)
	}
}
