// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import "github.com/prometheus/client_golang/prometheus"

// Exit causes recorded by Metrics.KernelExited.
const (
	ExitCauseExited      = "exited"
	ExitCauseTerminated  = "terminated"
	ExitCauseSpawnFailed = "spawn_failed"
	ExitCauseNoHandshake = "no_handshake"
)

// Metrics receives kernel lifecycle events.
type Metrics interface {
	KernelSpawned()
	KernelExited(cause string)
	KernelRestarted()
	TerminatorAction(action Action)
	SetActiveKernels(count int)
}

type nopMetrics struct{}

func (nopMetrics) KernelSpawned()          {}
func (nopMetrics) KernelExited(string)     {}
func (nopMetrics) KernelRestarted()        {}
func (nopMetrics) TerminatorAction(Action) {}
func (nopMetrics) SetActiveKernels(int)    {}

// NopMetrics discards every event.
func NopMetrics() Metrics { return nopMetrics{} }

// PrometheusMetrics exports kernel lifecycle counters.
type PrometheusMetrics struct {
	spawns   prometheus.Counter
	exits    *prometheus.CounterVec
	restarts prometheus.Counter
	actions  *prometheus.CounterVec
	active   prometheus.Gauge
}

// NewPrometheusMetrics creates the collectors and registers them with
// registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		spawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kbroker",
			Name:      "kernel_spawns_total",
			Help:      "Kernel processes started.",
		}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbroker",
			Name:      "kernel_exits_total",
			Help:      "Kernel processes that ended, by cause.",
		}, []string{"cause"}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kbroker",
			Name:      "kernel_restarts_total",
			Help:      "Kernel processes started by a restart request.",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbroker",
			Name:      "terminator_actions_total",
			Help:      "Shutdown escalation steps taken, by action.",
		}, []string{"action"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kbroker",
			Name:      "kernels_active",
			Help:      "Brokers currently registered with the manager.",
		}),
	}
	for _, collector := range []prometheus.Collector{m.spawns, m.exits, m.restarts, m.actions, m.active} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMetrics) KernelSpawned()            { m.spawns.Inc() }
func (m *PrometheusMetrics) KernelExited(cause string) { m.exits.WithLabelValues(cause).Inc() }
func (m *PrometheusMetrics) KernelRestarted()          { m.restarts.Inc() }
func (m *PrometheusMetrics) SetActiveKernels(count int) {
	m.active.Set(float64(count))
}

func (m *PrometheusMetrics) TerminatorAction(action Action) {
	m.actions.WithLabelValues(action.String()).Inc()
}
