// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kbroker/kbroker/channel"
	"github.com/kbroker/kbroker/lib/clock"
	"github.com/kbroker/kbroker/lib/compress"
	"github.com/kbroker/kbroker/lib/config"
	"github.com/kbroker/kbroker/lib/kernelinfo"
)

// Summary describes one registered kernel.
type Summary struct {
	ID       Handle          `cbor:"id"`
	Name     string          `cbor:"name"`
	Info     kernelinfo.Info `cbor:"info"`
	State    State           `cbor:"state"`
	PID      int             `cbor:"pid,omitempty"`
	Port     int             `cbor:"port"`
	Restarts int             `cbor:"restarts"`
}

// Manager owns every broker of the process and runs the loop that
// drives them. Construct one at startup and call TerminateAll before
// exiting.
type Manager struct {
	cfg     *config.Config
	logger  *slog.Logger
	clock   clock.Clock
	metrics Metrics
	host    kernelinfo.Host

	// wake is signalled by every broker context when inbound traffic
	// is queued, so the loop relays it without waiting for a tick.
	wake           chan struct{}
	contextOptions []channel.Option

	mu      sync.Mutex
	brokers []*Broker
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock sets the time source for broker deadlines, terminators
// and the loop ticker. Channel heartbeats always use real time.
func WithClock(source clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = source }
}

// WithMetrics records kernel lifecycle events.
func WithMetrics(metrics Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithHost replaces the description of the broker process used to
// resolve kernel configurations. The default is
// kernelinfo.CurrentHost.
func WithHost(host kernelinfo.Host) ManagerOption {
	return func(m *Manager) { m.host = host }
}

// NewManager returns a manager configured by cfg.
func NewManager(cfg *config.Config, logger *slog.Logger, options ...ManagerOption) (*Manager, error) {
	algorithm, err := compress.Parse(cfg.Transport.Compression)
	if err != nil {
		return nil, fmt.Errorf("transport compression: %w", err)
	}
	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		clock:   clock.Real(),
		metrics: NopMetrics(),
		host:    kernelinfo.CurrentHost(cfg.Broker.BrokerDir),
		wake:    make(chan struct{}, 1),
	}
	for _, option := range options {
		option(m)
	}
	m.contextOptions = []channel.Option{
		channel.WithWake(m.wake),
		channel.WithCompression(algorithm, cfg.Transport.CompressionThreshold),
		channel.WithHeartbeat(cfg.Transport.HeartbeatInterval.Std(), cfg.Broker.HeartbeatTimeout.Std()),
		channel.WithHandshakeTimeout(cfg.Transport.HandshakeTimeout.Std()),
		channel.WithQueueLimit(cfg.Transport.QueueLimit),
	}
	return m, nil
}

// CreateKernel registers a broker for info, hosts its front-end
// endpoint and arms it to spawn once a front-end connects. An empty
// name becomes "kernel N". It returns the broker's handle and the
// port front-ends connect to.
func (m *Manager) CreateKernel(info kernelinfo.Info, name string) (Handle, int, error) {
	if err := info.Validate(); err != nil {
		return "", 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "" {
		name = fmt.Sprintf("kernel %d", len(m.brokers)+1)
	}
	broker, err := newBroker(Handle(uuid.NewString()), name, info, brokerDeps{
		cfg:            m.cfg,
		logger:         m.logger,
		clock:          m.clock,
		metrics:        m.metrics,
		host:           m.host,
		contextOptions: m.contextOptions,
	})
	if err != nil {
		return "", 0, err
	}
	port, err := broker.Host("")
	if err != nil {
		broker.shutdown(context.Background(), m.cfg.Terminator.ShutdownPoll.Std())
		return "", 0, err
	}
	broker.StartKernelIfConnected(m.cfg.Broker.ConnectTimeout.Std())

	m.brokers = append(m.brokers, broker)
	m.metrics.SetActiveKernels(len(m.brokers))
	m.logger.Info("kernel created", "kernel", name, "broker", broker.ID().short(), "port", port)
	return broker.ID(), port, nil
}

// KernelList returns a snapshot of every registered kernel in
// creation order.
func (m *Manager) KernelList() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	summaries := make([]Summary, 0, len(m.brokers))
	for _, broker := range m.brokers {
		status := broker.Status()
		summaries = append(summaries, Summary{
			ID:       broker.ID(),
			Name:     broker.Name(),
			Info:     broker.Info(),
			State:    status.State,
			PID:      status.PID,
			Port:     broker.ClientPort(),
			Restarts: status.Restarts,
		})
	}
	return summaries
}

// Broker returns the broker registered under id. The manager keeps
// ownership: the broker may be destroyed at any later tick, after
// which its methods return ErrBrokerDestroyed.
func (m *Manager) Broker(id Handle) (*Broker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, broker := range m.brokers {
		if broker.ID() == id {
			return broker, true
		}
	}
	return nil, false
}

// Tick runs one loop iteration over every broker and drops those that
// destroyed themselves.
func (m *Manager) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.brokers[:0]
	for _, broker := range m.brokers {
		if broker.tick() {
			kept = append(kept, broker)
		} else {
			m.logger.Info("kernel removed", "kernel", broker.Name(), "broker", broker.ID().short())
		}
	}
	clear(m.brokers[len(kept):])
	if len(kept) != len(m.brokers) {
		m.metrics.SetActiveKernels(len(kept))
	}
	m.brokers = kept
}

// Run ticks every broker each poll interval, and as soon as any of
// them receives traffic, until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.Broker.PollInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.wake:
		}
		m.Tick()
	}
}

// TerminateAll shuts down every kernel and destroys every broker. When
// it returns no kernel process is left alive. Cancelling ctx
// abandons the graceful steps and kills whatever remains.
func (m *Manager) TerminateAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	poll := m.cfg.Terminator.ShutdownPoll.Std()
	for _, broker := range m.brokers {
		broker.shutdown(ctx, poll)
	}
	clear(m.brokers)
	m.brokers = nil
	m.metrics.SetActiveKernels(0)
}
