// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kbroker/kbroker/lib/clock"
	"github.com/kbroker/kbroker/lib/codec"
	"github.com/kbroker/kbroker/lib/compress"
	"github.com/kbroker/kbroker/lib/netutil"
)

var (
	// ErrClosed is returned by operations on a closed context or
	// channel, and rejects futures pending when that happens.
	ErrClosed = errors.New("channel: closed")

	// ErrDisconnected rejects futures still pending when a context
	// loses its last peer.
	ErrDisconnected = errors.New("channel: no connected peers")

	// ErrNameInUse is returned when a channel name is registered twice
	// in one context.
	ErrNameInUse = errors.New("channel: name already in use")

	// ErrNoFreePort is returned when every port a bind tried is taken.
	ErrNoFreePort = errors.New("channel: no free port")

	// ErrHandshake wraps handshake failures.
	ErrHandshake = errors.New("channel: handshake failed")
)

// Defaults for a context built without options.
const (
	DefaultHeartbeatInterval = 100 * time.Millisecond
	DefaultTimeout           = time.Second
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultQueueLimit        = 4096

	connectRetryInterval = 50 * time.Millisecond
)

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Context) { c.logger = logger }
}

// WithClock sets the time source for heartbeats, timeouts and connect
// retries.
func WithClock(source clock.Clock) Option {
	return func(c *Context) { c.clock = source }
}

// WithCompression compresses outgoing payloads larger than threshold
// bytes.
func WithCompression(algorithm compress.Algorithm, threshold int) Option {
	return func(c *Context) {
		c.compression = algorithm
		c.compressionThreshold = threshold
	}
}

// WithHeartbeat sets how often idle connections send heartbeats and
// the silence after which a new connection reports itself timed out.
// Connection.SetTimeout overrides the timeout per connection.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Context) {
		c.heartbeatInterval = interval
		c.defaultTimeout = timeout
	}
}

// WithHandshakeTimeout bounds the hello exchange on new connections.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *Context) { c.handshakeTimeout = timeout }
}

// WithQueueLimit caps the frames held while no peer is connected.
func WithQueueLimit(limit int) Option {
	return func(c *Context) { c.queueLimit = limit }
}

// WithWake makes the context signal wake, without blocking, whenever
// it has work for Pump. Several contexts may share one wake channel.
func WithWake(wake chan<- struct{}) Option {
	return func(c *Context) { c.wake = wake }
}

// Context is one node in a channel network. See the package
// documentation.
type Context struct {
	id     string
	pid    int
	logger *slog.Logger
	clock  clock.Clock

	compression          compress.Algorithm
	compressionThreshold int
	heartbeatInterval    time.Duration
	defaultTimeout       time.Duration
	handshakeTimeout     time.Duration
	queueLimit           int

	wake   chan<- struct{}
	signal chan struct{}
	done   chan struct{}

	mu          sync.Mutex
	connections []*Connection
	channels    map[string]endpoint
	receivers   map[string]receiver
	seq         uint64
	seen        map[string]uint64
	startup     []*frame
	inbox       []event
	closed      bool

	// pumpMu serializes Pump so callbacks never run concurrently.
	pumpMu sync.Mutex
}

// endpoint is implemented by every channel type.
type endpoint interface {
	// detach marks the channel closed after the context dropped it.
	detach()
}

// receiver is implemented by channels that accept frames on a slot.
type receiver interface {
	deliver(f *frame, payload []byte)
}

// replayer is implemented by state channels.
type replayer interface {
	replay()
}

// rejecter is implemented by request channels.
type rejecter interface {
	rejectAll(err error)
}

type eventKind uint8

const (
	eventFrame eventKind = iota + 1
	eventConnected
	eventClosed
	eventTimedOut
)

type event struct {
	kind     eventKind
	conn     *Connection
	frame    *frame
	reason   string
	timedOut bool
}

// NewContext returns a context with a fresh random id.
func NewContext(options ...Option) *Context {
	c := &Context{
		id:                uuid.NewString(),
		pid:               os.Getpid(),
		logger:            slog.Default(),
		clock:             clock.Real(),
		heartbeatInterval: DefaultHeartbeatInterval,
		defaultTimeout:    DefaultTimeout,
		handshakeTimeout:  DefaultHandshakeTimeout,
		queueLimit:        DefaultQueueLimit,
		signal:            make(chan struct{}, 1),
		done:              make(chan struct{}),
		channels:          make(map[string]endpoint),
		receivers:         make(map[string]receiver),
		seen:              make(map[string]uint64),
	}
	for _, option := range options {
		option(c)
	}
	c.logger = c.logger.With("context", c.id[:8])
	return c
}

// ID returns the context's network-wide identifier.
func (c *Context) ID() string { return c.id }

// Done is closed when the context is closed.
func (c *Context) Done() <-chan struct{} { return c.done }

// ConnectionCount returns the number of connected peers. Bound
// connections still waiting for a peer do not count.
func (c *Context) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.connectedLocked(nil))
}

// Connections returns every live connection, waiting or connected.
func (c *Context) Connections() []*Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Connection(nil), c.connections...)
}

// Bind listens on address for one peer. The port may be a number, a
// name, or "name+offset" (see netutil.ParseAddress). If the port is
// taken, the next maxTries-1 ports are tried in turn. The returned
// connection is waiting until a peer completes the handshake and keeps
// waiting indefinitely otherwise.
func (c *Context) Bind(address string, maxTries int, name string) (*Connection, error) {
	parsed, err := netutil.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if maxTries < 1 || parsed.Port == 0 {
		maxTries = 1
	}

	var listener net.Listener
	for try := range maxTries {
		port := parsed.Port + try
		if port > 1<<16-1 {
			break
		}
		listener, err = net.Listen("tcp", parsed.WithPort(port).String())
		if err == nil {
			break
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("binding %s: %w", parsed.WithPort(port), err)
		}
	}
	if listener == nil {
		return nil, fmt.Errorf("%w: %s (%d tries from port %d)", ErrNoFreePort, address, maxTries, parsed.Port)
	}

	conn := newConnection(c, name)
	conn.listener = listener
	conn.localPort = listener.Addr().(*net.TCPAddr).Port

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		listener.Close()
		return nil, ErrClosed
	}
	c.connections = append(c.connections, conn)
	c.mu.Unlock()

	c.logger.Debug("bound connection", "connection", name, "port", conn.localPort)
	go conn.acceptLoop()
	return conn, nil
}

// Connect dials address, retrying until timeout elapses, and completes
// the handshake.
func (c *Context) Connect(ctx context.Context, address string, timeout time.Duration, name string) (*Connection, error) {
	parsed, err := netutil.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	deadline := c.clock.Now().Add(timeout)
	dialer := net.Dialer{Timeout: timeout}

	var netConn net.Conn
	for {
		netConn, err = dialer.DialContext(ctx, "tcp", parsed.String())
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !c.clock.Now().Before(deadline) {
			return nil, fmt.Errorf("connecting to %s: %w", parsed, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(connectRetryInterval):
		}
	}

	conn := newConnection(c, name)
	decoder, err := conn.handshake(netConn)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	if err := c.attach(conn, netConn, decoder); err != nil {
		netConn.Close()
		return nil, err
	}
	return conn, nil
}

// attach moves a handshaken connection into the connected state, hands
// it the frames queued while no peer existed, and starts its I/O.
func (c *Context) attach(conn *Connection, netConn net.Conn, decoder *codec.Decoder) error {
	conn.netConn = netConn
	conn.lastRead.Store(c.clock.Now().UnixNano())

	c.mu.Lock()
	if c.closed || !conn.state.CompareAndSwap(int32(stateWaiting), int32(stateConnected)) {
		c.mu.Unlock()
		return ErrClosed
	}
	conn.established.Store(true)
	found := false
	for _, existing := range c.connections {
		found = found || existing == conn
	}
	if !found {
		c.connections = append(c.connections, conn)
	}
	for _, f := range c.startup {
		conn.enqueue(f)
	}
	c.startup = nil
	c.mu.Unlock()

	go conn.readLoop(decoder)
	go conn.writeLoop()

	c.logger.Debug("connection established",
		"connection", conn.name,
		"peer", conn.peerID,
		"peer_pid", conn.peerPID,
	)
	c.push(event{kind: eventConnected, conn: conn})
	return nil
}

// connectionClosed removes conn and queues its closed event.
func (c *Context) connectionClosed(conn *Connection, reason string) {
	c.mu.Lock()
	for i, existing := range c.connections {
		if existing == conn {
			c.connections = append(c.connections[:i], c.connections[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.push(event{kind: eventClosed, conn: conn, reason: reason})
}

func (c *Context) push(ev event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.inbox = append(c.inbox, ev)
	c.mu.Unlock()
	c.notify()
}

func (c *Context) notify() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
	if c.wake != nil {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// connectedLocked lists connected peers other than exclude.
func (c *Context) connectedLocked(exclude *Connection) []*Connection {
	var out []*Connection
	for _, conn := range c.connections {
		if conn != exclude && conn.IsConnected() {
			out = append(out, conn)
		}
	}
	return out
}

// register adds a channel under name and, for receiving channels, the
// slot it consumes.
func (c *Context) register(name string, ep endpoint, slot string, recv receiver) error {
	key := strings.ToLower(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, exists := c.channels[key]; exists {
		return fmt.Errorf("%w: %q", ErrNameInUse, name)
	}
	c.channels[key] = ep
	if recv != nil {
		c.receivers[slot] = recv
	}
	return nil
}

func (c *Context) unregister(name, slot string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, strings.ToLower(name))
	delete(c.receivers, slot)
}

// CloseChannels drops every channel. Pending futures are rejected with
// ErrClosed. Connections stay up, so a new channel set can be built on
// the same context.
func (c *Context) CloseChannels() {
	c.mu.Lock()
	channels := c.channels
	c.channels = make(map[string]endpoint)
	c.receivers = make(map[string]receiver)
	c.mu.Unlock()

	for _, ep := range channels {
		ep.detach()
	}
}

// Close closes every connection, telling connected peers why, and every
// channel. Frames already queued are flushed first.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	connections := append([]*Connection(nil), c.connections...)
	c.inbox = nil
	c.startup = nil
	c.mu.Unlock()

	for _, conn := range connections {
		conn.Close("context closed")
	}
	c.CloseChannels()
	close(c.done)
}

// publish sends a payload from this context on slot.
func (c *Context) publish(slot string, payload []byte, dest string, destSeq uint64) (uint64, error) {
	f := &frame{
		Kind:    frameData,
		Slot:    slot,
		Dest:    dest,
		DestSeq: destSeq,
		Payload: payload,
	}
	c.compressFrame(f)
	return c.send(f)
}

func (c *Context) compressFrame(f *frame) {
	if c.compression == compress.None || len(f.Payload) <= c.compressionThreshold {
		return
	}
	compressed, err := compress.Compress(f.Payload, c.compression)
	if err != nil {
		if !errors.Is(err, compress.ErrIncompressible) {
			c.logger.Warn("sending payload uncompressed", "slot", f.Slot, "error", err)
		}
		return
	}
	f.Size = len(f.Payload)
	f.Codec = c.compression
	f.Payload = compressed
}

// send stamps f with this context's id and next sequence number and
// queues it on every connected peer, or in the startup queue when
// there is none.
func (c *Context) send(f *frame) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	c.seq++
	f.Source = c.id
	f.Seq = c.seq

	peers := c.connectedLocked(nil)
	if len(peers) == 0 {
		c.startup = append(c.startup, f)
		if overflow := len(c.startup) - c.queueLimit; overflow > 0 {
			c.startup = c.startup[overflow:]
			c.logger.Debug("startup queue full, dropped oldest frames", "dropped", overflow)
		}
		return f.Seq, nil
	}
	for _, conn := range peers {
		conn.enqueue(f)
	}
	return f.Seq, nil
}

func (c *Context) sendContext(subject string) {
	if _, err := c.send(&frame{Kind: frameContext, Slot: subject}); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Warn("sending context frame", "subject", subject, "error", err)
	}
}

// Pump handles everything the connections queued since the last call:
// frames are routed and delivered, and connection events are passed to
// their handlers, all on the calling goroutine. It never blocks on I/O
// and returns the number of items handled.
func (c *Context) Pump() int {
	c.pumpMu.Lock()
	defer c.pumpMu.Unlock()

	c.mu.Lock()
	events := c.inbox
	c.inbox = nil
	c.mu.Unlock()

	for _, ev := range events {
		switch ev.kind {
		case eventFrame:
			c.route(ev.conn, ev.frame)
		case eventConnected:
			c.sendContext(subjectNewConnection)
			c.replayStates()
		case eventClosed:
			ev.conn.fireClosed(ev.reason)
			if c.ConnectionCount() == 0 {
				c.rejectPending(ErrDisconnected)
			}
		case eventTimedOut:
			ev.conn.fireTimedOut(ev.timedOut)
		}
	}
	return len(events)
}

// Run pumps whenever work arrives until ctx is cancelled or the
// context is closed. Programs that have no scheduler of their own run
// it on a dedicated goroutine.
func (c *Context) Run(ctx context.Context) {
	for {
		c.Pump()
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.signal:
		}
	}
}

// route forwards a received frame to every other peer and delivers it
// to the local channel on its slot.
func (c *Context) route(from *Connection, f *frame) {
	c.mu.Lock()
	if f.Source == c.id {
		c.mu.Unlock()
		return
	}
	if last, ok := c.seen[f.Source]; ok && f.Seq <= last {
		c.mu.Unlock()
		return
	}
	c.seen[f.Source] = f.Seq

	if f.Dest != c.id {
		for _, conn := range c.connectedLocked(from) {
			conn.enqueue(f)
		}
	}
	var recv receiver
	if f.Kind == frameData && (f.Dest == "" || f.Dest == c.id) {
		recv = c.receivers[f.Slot]
	}
	c.mu.Unlock()

	if f.Kind == frameContext {
		switch f.Slot {
		case subjectNewConnection:
			c.replayStates()
		case subjectCloseConnection:
		default:
			c.logger.Debug("ignoring unknown context frame", "subject", f.Slot)
		}
		return
	}
	if recv == nil {
		return
	}

	payload, err := f.payload()
	if err != nil {
		c.logger.Error("dropping frame with bad payload",
			"slot", f.Slot,
			"source", f.Source,
			"error", err,
		)
		return
	}
	recv.deliver(f, payload)
}

func (c *Context) replayStates() {
	c.mu.Lock()
	var states []replayer
	for _, ep := range c.channels {
		if state, ok := ep.(replayer); ok {
			states = append(states, state)
		}
	}
	c.mu.Unlock()

	for _, state := range states {
		state.replay()
	}
}

func (c *Context) rejectPending(err error) {
	c.mu.Lock()
	var requesters []rejecter
	for _, ep := range c.channels {
		if requester, ok := ep.(rejecter); ok {
			requesters = append(requesters, requester)
		}
	}
	c.mu.Unlock()

	for _, requester := range requesters {
		requester.rejectAll(err)
	}
}
