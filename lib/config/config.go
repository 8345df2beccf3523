// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the kbroker daemon configuration.
//
// Configuration comes from exactly one YAML file named by the
// KBROKER_CONFIG environment variable ([Load]) or a --config flag
// ([LoadFile]). Values absent from the file keep their [Default]. After
// loading, ${VAR} and ${VAR:-default} patterns in path fields are
// expanded from the environment. Durations are written as strings
// ("50ms", "10s").
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kbroker/kbroker/lib/compress"
)

// Config is the root of the daemon configuration.
type Config struct {
	Broker     BrokerConfig     `yaml:"broker"`
	Terminator TerminatorConfig `yaml:"terminator"`
	Transport  TransportConfig  `yaml:"transport"`
	Service    ServiceConfig    `yaml:"service"`
}

// BrokerConfig controls how kernels are launched and supervised.
type BrokerConfig struct {
	// PollInterval is the manager loop period. Inbound traffic wakes
	// the loop early.
	PollInterval Duration `yaml:"poll_interval"`

	// ConnectTimeout bounds the wait for the first front-end before
	// a newly created broker gives up without spawning.
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// KernelEntryScript is the script the interpreter runs. It
	// receives the port to connect back on as its only argument.
	KernelEntryScript string `yaml:"kernel_entry_script"`

	// BrokerDir is prepended to the kernel's module search path so
	// the entry script can import its support modules. Defaults to
	// the directory holding KernelEntryScript.
	BrokerDir string `yaml:"broker_dir"`

	// KernelAddress and ClientAddress are bind addresses in
	// host:port form. The port may be a name hashed onto the dynamic
	// range, with an optional "+offset".
	KernelAddress string `yaml:"kernel_address"`
	ClientAddress string `yaml:"client_address"`

	// PortTries is how many consecutive ports a bind attempts before
	// failing.
	PortTries int `yaml:"port_tries"`

	// HeartbeatTimeout is how long the kernel connection may stay
	// silent before the kernel is reported busy.
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`

	// LostConnectionGrace delays the kill that follows a dropped
	// kernel connection, giving a crashing kernel time to exit on its
	// own so its real exit code is reported.
	LostConnectionGrace Duration `yaml:"lost_connection_grace"`

	// InterruptWithSignal delivers user interrupts as SIGINT to the
	// kernel's process group instead of through the introspection
	// channel. Terminator interrupts always use the channel.
	InterruptWithSignal bool `yaml:"interrupt_with_signal"`
}

// TerminatorConfig controls the shutdown escalation.
type TerminatorConfig struct {
	// TermDelay is the wait after the cooperative terminate request
	// before the first interrupt.
	TermDelay Duration `yaml:"term_delay"`

	// InterruptInterval separates repeated interrupts.
	InterruptInterval Duration `yaml:"interrupt_interval"`

	// InterruptAttempts is how many interrupts are sent before the
	// process is killed.
	InterruptAttempts int `yaml:"interrupt_attempts"`

	// ShutdownPoll is the sleep between steps while the manager
	// terminates every kernel synchronously.
	ShutdownPoll Duration `yaml:"shutdown_poll"`
}

// TransportConfig controls the channel transport.
type TransportConfig struct {
	// Compression is none, lz4 or zstd.
	Compression string `yaml:"compression"`

	// CompressionThreshold is the payload size in bytes above which
	// frames are compressed.
	CompressionThreshold int `yaml:"compression_threshold"`

	HandshakeTimeout  Duration `yaml:"handshake_timeout"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// QueueLimit caps the frames held for a context with no peer yet.
	// Older frames are dropped first.
	QueueLimit int `yaml:"queue_limit"`
}

// ServiceConfig controls the daemon's local surfaces.
type ServiceConfig struct {
	// SocketPath is the management socket.
	SocketPath string `yaml:"socket_path"`

	// MetricsAddress serves /metrics when non-empty.
	MetricsAddress string `yaml:"metrics_address"`
}

// Default returns the configuration used for fields the file omits.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			PollInterval:        Duration(50 * time.Millisecond),
			ConnectTimeout:      Duration(10 * time.Second),
			KernelEntryScript:   "${KBROKER_HOME:-/usr/share/kbroker}/kernel/start.py",
			KernelAddress:       "localhost:kbroker",
			ClientAddress:       "localhost:kbroker+256",
			PortTries:           256,
			HeartbeatTimeout:    Duration(500 * time.Millisecond),
			LostConnectionGrace: Duration(500 * time.Millisecond),
		},
		Terminator: TerminatorConfig{
			TermDelay:         Duration(500 * time.Millisecond),
			InterruptInterval: Duration(100 * time.Millisecond),
			InterruptAttempts: 5,
			ShutdownPoll:      Duration(20 * time.Millisecond),
		},
		Transport: TransportConfig{
			Compression:          "none",
			CompressionThreshold: 64 * 1024,
			HandshakeTimeout:     Duration(5 * time.Second),
			HeartbeatInterval:    Duration(100 * time.Millisecond),
			QueueLimit:           4096,
		},
		Service: ServiceConfig{
			SocketPath: "${XDG_RUNTIME_DIR:-/tmp}/kbroker.sock",
		},
	}
}

// Load reads the file named by KBROKER_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("KBROKER_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("KBROKER_CONFIG environment variable not set; " +
			"set it to the path of your kbroker.yaml, or use --config")
	}
	return LoadFile(path)
}

// LoadFile reads path over the defaults and expands variables.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.Expand()
	return cfg, nil
}

// Expand resolves ${VAR} patterns in path fields. Default() leaves
// them unexpanded so that a file can still override KBROKER_HOME.
func (c *Config) Expand() {
	c.Broker.KernelEntryScript = expandVars(c.Broker.KernelEntryScript)
	c.Broker.BrokerDir = expandVars(c.Broker.BrokerDir)
	if c.Broker.BrokerDir == "" && c.Broker.KernelEntryScript != "" {
		c.Broker.BrokerDir = filepath.Dir(c.Broker.KernelEntryScript)
	}
	c.Service.SocketPath = expandVars(c.Service.SocketPath)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	positive := map[string]Duration{
		"broker.poll_interval":          c.Broker.PollInterval,
		"broker.connect_timeout":        c.Broker.ConnectTimeout,
		"broker.heartbeat_timeout":      c.Broker.HeartbeatTimeout,
		"terminator.interrupt_interval": c.Terminator.InterruptInterval,
		"terminator.shutdown_poll":      c.Terminator.ShutdownPoll,
		"transport.handshake_timeout":   c.Transport.HandshakeTimeout,
		"transport.heartbeat_interval":  c.Transport.HeartbeatInterval,
	}
	for name, value := range positive {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Terminator.TermDelay < 0 || c.Broker.LostConnectionGrace < 0 {
		errs = append(errs, errors.New("terminator.term_delay and broker.lost_connection_grace must not be negative"))
	}
	if c.Broker.KernelEntryScript == "" {
		errs = append(errs, errors.New("broker.kernel_entry_script is required"))
	}
	if c.Broker.KernelAddress == "" || c.Broker.ClientAddress == "" {
		errs = append(errs, errors.New("broker.kernel_address and broker.client_address are required"))
	}
	if c.Broker.PortTries < 1 {
		errs = append(errs, errors.New("broker.port_tries must be at least 1"))
	}
	if c.Terminator.InterruptAttempts < 1 {
		errs = append(errs, errors.New("terminator.interrupt_attempts must be at least 1"))
	}
	if _, err := compress.Parse(c.Transport.Compression); err != nil {
		errs = append(errs, fmt.Errorf("transport.compression: %w", err))
	}
	if c.Transport.QueueLimit < 1 {
		errs = append(errs, errors.New("transport.queue_limit must be at least 1"))
	}
	if c.Service.SocketPath == "" {
		errs = append(errs, errors.New("service.socket_path is required"))
	}

	return errors.Join(errs...)
}

// Duration is a time.Duration written in YAML as a string.
type Duration time.Duration

// UnmarshalYAML parses strings such as "250ms".
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration in time.Duration notation.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
