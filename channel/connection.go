// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbroker/kbroker/lib/codec"
	"github.com/kbroker/kbroker/lib/netutil"
)

type connState int32

const (
	stateWaiting connState = iota
	stateConnected
	stateClosed
)

// writeTimeout bounds a single flush of queued frames. A peer that
// stops reading for this long is treated as gone.
const writeTimeout = 30 * time.Second

// closeFlushTimeout bounds the final flush when a connection is closed
// locally.
const closeFlushTimeout = time.Second

// Connection is one link of a Context: a bound endpoint waiting for its
// peer, or an established TCP connection.
type Connection struct {
	ctx    *Context
	name   string
	logger *slog.Logger

	state       atomic.Int32
	established atomic.Bool
	listener    net.Listener
	netConn     net.Conn
	localPort   int

	// Set by the handshake before the state becomes connected.
	peerID  string
	peerPID int

	timeout  atomic.Int64
	lastRead atomic.Int64
	timedOut atomic.Bool

	outMu     sync.Mutex
	outbox    []*frame
	outSignal chan struct{}

	closeOnce    sync.Once
	done         chan struct{}
	reason       string
	flushOnClose bool

	handlerMu  sync.Mutex
	onClosed   []func(*Connection, string)
	onTimedOut []func(*Connection, bool)
}

func newConnection(ctx *Context, name string) *Connection {
	c := &Connection{
		ctx:       ctx,
		name:      name,
		logger:    ctx.logger.With("connection", name),
		outSignal: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	c.timeout.Store(int64(ctx.defaultTimeout))
	return c
}

// Name returns the label given at Bind or Connect.
func (c *Connection) Name() string { return c.name }

// Port returns the local port: the listening port of a bound
// connection, the ephemeral port of a dialed one.
func (c *Connection) Port() int {
	if c.localPort != 0 {
		return c.localPort
	}
	if c.established.Load() {
		if addr, ok := c.netConn.LocalAddr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return 0
}

// PeerID returns the peer context's id once connected.
func (c *Connection) PeerID() string {
	if !c.wasConnected() {
		return ""
	}
	return c.peerID
}

// PeerPID returns the peer's process id once connected.
func (c *Connection) PeerPID() int {
	if !c.wasConnected() {
		return 0
	}
	return c.peerPID
}

func (c *Connection) wasConnected() bool { return c.established.Load() }

// IsWaiting reports whether a bound connection has no peer yet.
func (c *Connection) IsWaiting() bool { return connState(c.state.Load()) == stateWaiting }

// IsConnected reports whether the handshake completed and the link is up.
func (c *Connection) IsConnected() bool { return connState(c.state.Load()) == stateConnected }

// IsAlive reports whether the connection is waiting or connected.
func (c *Connection) IsAlive() bool { return connState(c.state.Load()) != stateClosed }

// Closed is closed when the connection closes.
func (c *Connection) Closed() <-chan struct{} { return c.done }

// Timeout returns how long the peer may stay silent before the
// connection reports itself timed out.
func (c *Connection) Timeout() time.Duration { return time.Duration(c.timeout.Load()) }

// SetTimeout changes the silence threshold. Zero disables it.
func (c *Connection) SetTimeout(timeout time.Duration) { c.timeout.Store(int64(timeout)) }

// TimedOut reports whether the peer is currently silent past the
// timeout.
func (c *Connection) TimedOut() bool { return c.timedOut.Load() }

// OnClosed registers fn to run, during Pump, when the connection
// closes. reason says why.
func (c *Connection) OnClosed(fn func(conn *Connection, reason string)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onClosed = append(c.onClosed, fn)
}

// OnTimedOut registers fn to run, during Pump, when the peer goes
// silent past the timeout (true) and when it speaks again (false).
func (c *Connection) OnTimedOut(fn func(conn *Connection, timedOut bool)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onTimedOut = append(c.onTimedOut, fn)
}

func (c *Connection) fireClosed(reason string) {
	c.handlerMu.Lock()
	handlers := slices.Clone(c.onClosed)
	c.handlerMu.Unlock()
	for _, fn := range handlers {
		fn(c, reason)
	}
}

func (c *Connection) fireTimedOut(timedOut bool) {
	c.handlerMu.Lock()
	handlers := slices.Clone(c.onTimedOut)
	c.handlerMu.Unlock()
	for _, fn := range handlers {
		fn(c, timedOut)
	}
}

// Close closes the connection. A connected peer is sent the frames
// still queued and then reason.
func (c *Connection) Close(reason string) { c.shutdown(reason, true) }

func (c *Connection) shutdown(reason string, notifyPeer bool) {
	c.closeOnce.Do(func() {
		previous := connState(c.state.Swap(int32(stateClosed)))
		c.reason = reason
		c.flushOnClose = notifyPeer && previous == stateConnected
		if c.listener != nil {
			c.listener.Close()
		}
		close(c.done)
		c.logger.Debug("connection closed", "reason", reason)
		c.ctx.connectionClosed(c, reason)
	})
}

// acceptLoop waits for the one peer of a bound connection. Peers that
// fail the handshake are dropped and the wait continues.
func (c *Connection) acceptLoop() {
	for {
		netConn, err := c.listener.Accept()
		if err != nil {
			if c.IsAlive() && !errors.Is(err, net.ErrClosed) {
				c.logger.Error("accept failed", "error", err)
				c.shutdown("accept failed: "+err.Error(), false)
			}
			return
		}
		decoder, err := c.handshake(netConn)
		if err != nil {
			c.logger.Warn("rejected peer", "remote", netConn.RemoteAddr().String(), "error", err)
			netConn.Close()
			continue
		}
		c.listener.Close()
		if err := c.ctx.attach(c, netConn, decoder); err != nil {
			netConn.Close()
		}
		return
	}
}

// handshake exchanges hellos and returns the decoder to keep reading
// frames with, since it may already hold buffered bytes.
func (c *Connection) handshake(netConn net.Conn) (*codec.Decoder, error) {
	netConn.SetDeadline(time.Now().Add(c.ctx.handshakeTimeout))
	defer netConn.SetDeadline(time.Time{})

	mine := hello{Magic: helloMagic, Version: helloVersion, Context: c.ctx.id, PID: c.ctx.pid}
	if err := codec.NewEncoder(netConn).Encode(mine); err != nil {
		return nil, fmt.Errorf("%w: sending hello: %w", ErrHandshake, err)
	}
	decoder := codec.NewDecoder(netConn)
	var theirs hello
	if err := decoder.Decode(&theirs); err != nil {
		return nil, fmt.Errorf("%w: reading hello: %w", ErrHandshake, err)
	}
	switch {
	case theirs.Magic != helloMagic:
		return nil, fmt.Errorf("%w: peer is not a channel endpoint", ErrHandshake)
	case theirs.Version != helloVersion:
		return nil, fmt.Errorf("%w: protocol version %d, want %d", ErrHandshake, theirs.Version, helloVersion)
	case theirs.Context == c.ctx.id:
		return nil, fmt.Errorf("%w: connected to itself", ErrHandshake)
	}
	c.peerID = theirs.Context
	c.peerPID = theirs.PID
	return decoder, nil
}

func (c *Connection) readLoop(decoder *codec.Decoder) {
	for {
		var f frame
		if err := decoder.Decode(&f); err != nil {
			reason := "connection lost"
			if c.IsAlive() && !netutil.IsExpectedCloseError(err) {
				c.logger.Warn("reading frame", "error", err)
				reason = "read failed: " + err.Error()
			}
			c.shutdown(reason, false)
			return
		}

		c.lastRead.Store(c.ctx.clock.Now().UnixNano())
		if c.timedOut.CompareAndSwap(true, false) {
			c.ctx.push(event{kind: eventTimedOut, conn: c, timedOut: false})
		}

		switch f.Kind {
		case frameHeartbeat:
		case frameClose:
			reason := f.Reason
			if reason == "" {
				reason = "closed by peer"
			}
			c.shutdown(reason, false)
			return
		case frameData, frameContext:
			c.ctx.push(event{kind: eventFrame, conn: c, frame: &f})
		default:
			c.logger.Debug("ignoring frame of unknown kind", "kind", f.Kind)
		}
	}
}

func (c *Connection) writeLoop() {
	encoder := codec.NewEncoder(c.netConn)
	interval := c.ctx.heartbeatInterval
	ticker := c.ctx.clock.NewTicker(interval)
	defer ticker.Stop()
	lastWrite := c.ctx.clock.Now()

	for {
		select {
		case <-c.outSignal:
			if err := c.flush(encoder, writeTimeout); err != nil {
				c.writeFailed(err)
				return
			}
			lastWrite = c.ctx.clock.Now()

		case now := <-ticker.C:
			if now.Sub(lastWrite) >= interval {
				if err := c.write(encoder, &frame{Kind: frameHeartbeat}, writeTimeout); err != nil {
					c.writeFailed(err)
					return
				}
				lastWrite = now
			}
			c.checkTimeout(now)

		case <-c.done:
			if c.flushOnClose {
				if err := c.flush(encoder, closeFlushTimeout); err == nil {
					c.write(encoder, &frame{Kind: frameClose, Reason: c.reason}, closeFlushTimeout)
				}
			}
			c.netConn.Close()
			return
		}
	}
}

func (c *Connection) writeFailed(err error) {
	if !netutil.IsExpectedCloseError(err) {
		c.logger.Warn("writing frame", "error", err)
	}
	c.shutdown("write failed: "+err.Error(), false)
	c.netConn.Close()
}

func (c *Connection) checkTimeout(now time.Time) {
	timeout := c.Timeout()
	if timeout <= 0 {
		return
	}
	silent := now.Sub(time.Unix(0, c.lastRead.Load()))
	if silent > timeout && c.timedOut.CompareAndSwap(false, true) {
		c.ctx.push(event{kind: eventTimedOut, conn: c, timedOut: true})
	}
}

func (c *Connection) enqueue(f *frame) {
	c.outMu.Lock()
	c.outbox = append(c.outbox, f)
	c.outMu.Unlock()
	select {
	case c.outSignal <- struct{}{}:
	default:
	}
}

func (c *Connection) flush(encoder *codec.Encoder, timeout time.Duration) error {
	c.outMu.Lock()
	pending := c.outbox
	c.outbox = nil
	c.outMu.Unlock()

	for _, f := range pending {
		if err := c.write(encoder, f, timeout); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) write(encoder *codec.Encoder, f *frame, timeout time.Duration) error {
	c.netConn.SetWriteDeadline(time.Now().Add(timeout))
	return encoder.Encode(f)
}
