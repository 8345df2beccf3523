// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/kbroker/kbroker/lib/codec"
	"github.com/kbroker/kbroker/lib/compress"
	"github.com/kbroker/kbroker/lib/testutil"
)

const waitTimeout = 5 * time.Second

// running returns a context whose Run loop is active for the test.
func running(t *testing.T, options ...Option) *Context {
	t.Helper()
	c := NewContext(options...)
	runCtx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		c.Run(runCtx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		c.Close()
		<-finished
	})
	return c
}

// link binds on server and connects client to it, returning both ends.
func link(t *testing.T, server, client *Context) (*Connection, *Connection) {
	t.Helper()
	bound, err := server.Bind("127.0.0.1:0", 1, "server")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	dialed, err := client.Connect(ctx, fmt.Sprintf("127.0.0.1:%d", bound.Port()), time.Second, "client")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.Eventually(t, waitTimeout, bound.IsConnected, "bound side never connected")
	return bound, dialed
}

func recv[T any](t *testing.T, sub *SubChannel[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	message, err := sub.RecvWait(ctx)
	if err != nil {
		t.Fatalf("RecvWait on %s: %v", sub.Name(), err)
	}
	return message
}

func TestPubSubPreservesOrder(t *testing.T) {
	server, client := running(t), running(t)
	pub, err := NewPubChannel[string](server, "strm-out")
	if err != nil {
		t.Fatalf("NewPubChannel: %v", err)
	}
	sub, err := NewSubChannel[string](client, "strm-out")
	if err != nil {
		t.Fatalf("NewSubChannel: %v", err)
	}
	link(t, server, client)

	for i := range 20 {
		if err := pub.Send(fmt.Sprintf("line %d", i)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for i := range 20 {
		if got, want := recv(t, sub), fmt.Sprintf("line %d", i); got != want {
			t.Fatalf("message %d = %q, want %q", i, got, want)
		}
	}
}

func TestObjectChannelCarriesStructs(t *testing.T) {
	type status struct {
		Name  string `cbor:"name"`
		Count int    `cbor:"count"`
	}
	server, client := running(t), running(t)
	pub, _ := NewPubChannel[status](server, "stat-objects")
	sub, _ := NewSubChannel[status](client, "stat-objects")
	link(t, server, client)

	if err := pub.Send(status{Name: "kernel 1", Count: 3}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := recv(t, sub)
	if got.Name != "kernel 1" || got.Count != 3 {
		t.Fatalf("received %+v", got)
	}
}

func TestMessagesSentBeforeConnectArrive(t *testing.T) {
	server, client := running(t), running(t)
	pub, _ := NewPubChannel[string](server, "strm-early")
	sub, _ := NewSubChannel[string](client, "strm-early")

	for _, line := range []string{"one", "two"} {
		if err := pub.Send(line); err != nil {
			t.Fatalf("Send before connect: %v", err)
		}
	}
	link(t, server, client)

	if got := recv(t, sub); got != "one" {
		t.Fatalf("first = %q", got)
	}
	if got := recv(t, sub); got != "two" {
		t.Fatalf("second = %q", got)
	}
}

func TestStartupQueueDropsOldest(t *testing.T) {
	c := NewContext(WithQueueLimit(3))
	defer c.Close()
	pub, _ := NewPubChannel[int](c, "numbers")
	for i := range 5 {
		pub.Send(i)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.startup) != 3 {
		t.Fatalf("startup queue holds %d frames, want 3", len(c.startup))
	}
	if c.startup[0].Seq != 3 {
		t.Fatalf("oldest kept frame has seq %d, want 3", c.startup[0].Seq)
	}
}

func TestStateReachesLateSubscriber(t *testing.T) {
	server := running(t)
	first, second := running(t), running(t)

	state, _ := NewStateChannel[string](server, "stat-interpreter")
	firstState, _ := NewStateChannel[string](first, "stat-interpreter")
	if err := state.Send("Ready"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	link(t, server, first)
	testutil.Eventually(t, waitTimeout, func() bool { return firstState.Recv() == "Ready" }, "first subscriber state")

	// The second peer joins after the value was set and consumed.
	secondState, _ := NewStateChannel[string](second, "stat-interpreter")
	changes := make(chan string, 4)
	secondState.OnChange(func(value string) { changes <- value })
	link(t, server, second)

	if got := testutil.RequireReceive(t, changes, waitTimeout, "late subscriber state"); got != "Ready" {
		t.Fatalf("late subscriber got %q", got)
	}
	if value, ok := secondState.Value(); !ok || value != "Ready" {
		t.Fatalf("Value() = %q, %v", value, ok)
	}
}

func TestStateUnchangedValueIsNotSent(t *testing.T) {
	c := NewContext()
	defer c.Close()
	state, _ := NewStateChannel[string](c, "stat-busy")
	state.Send("Busy")
	state.Send("Busy")
	state.Send("Busy")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq != 1 {
		t.Fatalf("sent %d frames, want 1", c.seq)
	}
}

func TestStateSetByPeerPropagates(t *testing.T) {
	server, client := running(t), running(t)
	serverState, _ := NewStateChannel[bool](server, "stat-heartbeat")
	clientState, _ := NewStateChannel[bool](client, "stat-heartbeat")
	link(t, server, client)

	clientState.Send(true)
	testutil.Eventually(t, waitTimeout, serverState.Recv, "server never saw client state")
}

func TestRelayThroughMiddleContext(t *testing.T) {
	left, middle, right := running(t), running(t), running(t)
	pub, _ := NewPubChannel[string](left, "strm-relay")
	sub, _ := NewSubChannel[string](right, "strm-relay")
	link(t, middle, left)
	link(t, middle, right)

	pub.Send("across")
	if got := recv(t, sub); got != "across" {
		t.Fatalf("got %q", got)
	}
	pub.Send("again")
	if got := recv(t, sub); got != "again" {
		t.Fatalf("got %q", got)
	}
	if sub.Pending() != 0 {
		t.Fatalf("%d duplicate messages relayed", sub.Pending())
	}
}

func TestDuplicateFramesAreDropped(t *testing.T) {
	c := NewContext()
	defer c.Close()
	sub, _ := NewSubChannel[string](c, "strm-dup")
	payload, _ := codec.Marshal("hello")
	f := &frame{Kind: frameData, Slot: sub.slot, Source: "peer", Seq: 7, Payload: payload}

	c.route(nil, f)
	c.route(nil, f)
	c.route(nil, &frame{Kind: frameData, Slot: sub.slot, Source: "peer", Seq: 6, Payload: payload})

	if sub.Pending() != 1 {
		t.Fatalf("delivered %d copies, want 1", sub.Pending())
	}
}

func TestRequestReply(t *testing.T) {
	server, client := running(t), running(t)
	rep, _ := NewRepChannel(server, "reqp-introspect")
	rep.Handle("add", func(request Request) (any, error) {
		var a, b int
		if err := request.Arg(0, &a); err != nil {
			return nil, err
		}
		if err := request.Arg(1, &b); err != nil {
			return nil, err
		}
		return a + b, nil
	})
	rep.Handle("fail", func(Request) (any, error) { return nil, errors.New("refused") })
	req, _ := NewReqChannel(client, "reqp-introspect")
	link(t, server, client)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	future := req.Call("add", 2, 3)
	if err := future.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	var sum int
	if err := future.Result(&sum); err != nil || sum != 5 {
		t.Fatalf("Result = %d, %v", sum, err)
	}

	var remote *RemoteError
	if err := req.Call("fail").Wait(ctx); !errors.As(err, &remote) || remote.Message != "refused" {
		t.Fatalf("fail: err = %v", err)
	}
	if err := req.Call("missing").Wait(ctx); !errors.As(err, &remote) || !strings.Contains(remote.Message, "unknown method") {
		t.Fatalf("missing: err = %v", err)
	}
	if req.PendingCount() != 0 {
		t.Fatalf("%d calls still pending", req.PendingCount())
	}
}

func TestNotifyRunsHandlerWithoutReply(t *testing.T) {
	server, client := running(t), running(t)
	rep, _ := NewRepChannel(server, "reqp-notify")
	called := make(chan string, 1)
	rep.Handle("interrupt", func(request Request) (any, error) {
		called <- request.Source
		return "ignored", nil
	})
	req, _ := NewReqChannel(client, "reqp-notify")
	link(t, server, client)

	if err := req.Notify("interrupt"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if source := testutil.RequireReceive(t, called, waitTimeout, "handler call"); source != client.ID() {
		t.Fatalf("request source = %q, want %q", source, client.ID())
	}
}

func TestFutureRejectedOnClose(t *testing.T) {
	c := NewContext()
	defer c.Close()
	req, _ := NewReqChannel(c, "reqp-orphan")
	future := req.Call("anything")
	c.CloseChannels()

	testutil.RequireClosed(t, future.Done(), waitTimeout, "future settle")
	if !errors.Is(future.Err(), ErrClosed) {
		t.Fatalf("Err = %v, want ErrClosed", future.Err())
	}
	if err := req.Call("after").Err(); !errors.Is(err, ErrClosed) {
		t.Fatalf("call after close: %v", err)
	}
}

func TestFutureRejectedWhenLastPeerLeaves(t *testing.T) {
	server, client := running(t), running(t)
	req, _ := NewReqChannel(client, "reqp-silent")
	_, dialed := link(t, server, client)

	future := req.Call("never-answered")
	server.Close()

	testutil.RequireClosed(t, dialed.Closed(), waitTimeout, "client side close")
	testutil.RequireClosed(t, future.Done(), waitTimeout, "future settle")
	if !errors.Is(future.Err(), ErrDisconnected) {
		t.Fatalf("Err = %v, want ErrDisconnected", future.Err())
	}
}

func TestCloseReasonReachesPeer(t *testing.T) {
	server, client := running(t), running(t)
	bound, dialed := link(t, server, client)
	reasons := make(chan string, 1)
	dialed.OnClosed(func(_ *Connection, reason string) { reasons <- reason })

	bound.Close("shutting down")
	if got := testutil.RequireReceive(t, reasons, waitTimeout, "close reason"); got != "shutting down" {
		t.Fatalf("reason = %q", got)
	}
	if client.ConnectionCount() != 0 {
		t.Fatalf("ConnectionCount = %d after close", client.ConnectionCount())
	}
}

func TestNameInUse(t *testing.T) {
	c := NewContext()
	defer c.Close()
	if _, err := NewPubChannel[string](c, "strm-raw"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := NewSubChannel[string](c, "STRM-RAW"); !errors.Is(err, ErrNameInUse) {
		t.Fatalf("second: err = %v, want ErrNameInUse", err)
	}
}

func TestBindSkipsTakenPort(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer taken.Close()
	port := taken.Addr().(*net.TCPAddr).Port

	c := NewContext()
	defer c.Close()
	if _, err := c.Bind(fmt.Sprintf("127.0.0.1:%d", port), 1, "single"); !errors.Is(err, ErrNoFreePort) {
		t.Fatalf("single try: err = %v, want ErrNoFreePort", err)
	}
	conn, err := c.Bind(fmt.Sprintf("127.0.0.1:%d", port), 32, "retry")
	if err != nil {
		t.Skipf("no free port near %d: %v", port, err)
	}
	if conn.Port() == port {
		t.Fatalf("bound the taken port %d", port)
	}
	if !conn.IsWaiting() {
		t.Fatal("new bound connection is not waiting")
	}
}

func TestConnectTimesOut(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	c := NewContext()
	defer c.Close()
	start := time.Now()
	_, err = c.Connect(context.Background(), fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond, "nowhere")
	if err == nil {
		t.Fatal("Connect to a closed port succeeded")
	}
	if elapsed := time.Since(start); elapsed > waitTimeout {
		t.Fatalf("Connect took %v", elapsed)
	}
}

func TestHandshakeRejectsForeignPeer(t *testing.T) {
	server, client := running(t), running(t)
	bound, err := server.Bind("127.0.0.1:0", 1, "kernel")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	address := fmt.Sprintf("127.0.0.1:%d", bound.Port())

	stranger, err := net.Dial("tcp", address)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	codec.NewEncoder(stranger).Encode(hello{Magic: "http", Version: 1, Context: "x"})
	stranger.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if _, err := client.Connect(ctx, address, time.Second, "client"); err != nil {
		t.Fatalf("Connect after rejected stranger: %v", err)
	}
	testutil.Eventually(t, waitTimeout, bound.IsConnected, "bound connection after stranger")
}

func TestSilentPeerTimesOut(t *testing.T) {
	server := running(t, WithHeartbeat(10*time.Millisecond, 60*time.Millisecond))
	bound, err := server.Bind("127.0.0.1:0", 1, "kernel")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	events := make(chan bool, 4)
	bound.OnTimedOut(func(_ *Connection, timedOut bool) { events <- timedOut })

	// A hand-driven peer completes the handshake and then says nothing.
	peer, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", bound.Port()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer peer.Close()
	encoder := codec.NewEncoder(peer)
	encoder.Encode(hello{Magic: helloMagic, Version: helloVersion, Context: "silent-peer", PID: 1})

	if !testutil.RequireReceive(t, events, waitTimeout, "timed out event") {
		t.Fatal("first event reports recovery")
	}
	if !bound.TimedOut() {
		t.Fatal("TimedOut() false after event")
	}

	encoder.Encode(&frame{Kind: frameHeartbeat})
	if testutil.RequireReceive(t, events, waitTimeout, "recovery event") {
		t.Fatal("second event reports timeout")
	}
}

func TestCompressedPayloadsRoundTrip(t *testing.T) {
	for _, algorithm := range []compress.Algorithm{compress.LZ4, compress.Zstd} {
		t.Run(algorithm.String(), func(t *testing.T) {
			server := running(t, WithCompression(algorithm, 64))
			client := running(t, WithCompression(algorithm, 64))
			pub, _ := NewPubChannel[string](server, "strm-big")
			sub, _ := NewSubChannel[string](client, "strm-big")
			link(t, server, client)

			big := strings.Repeat("Traceback (most recent call last):\n", 200)
			pub.Send(big)
			if got := recv(t, sub); got != big {
				t.Fatalf("payload mismatch: got %d bytes, want %d", len(got), len(big))
			}
		})
	}
}

func TestOnReceiveBypassesQueue(t *testing.T) {
	server, client := running(t), running(t)
	pub, _ := NewPubChannel[string](server, "ctrl-broker")
	sub, _ := NewSubChannel[string](client, "ctrl-broker")
	got := make(chan string, 1)
	sub.OnReceive(func(message string) { got <- message })
	link(t, server, client)

	pub.Send("RESTART")
	if message := testutil.RequireReceive(t, got, waitTimeout, "callback"); message != "RESTART" {
		t.Fatalf("callback got %q", message)
	}
	if sub.Pending() != 0 {
		t.Fatalf("queue holds %d messages", sub.Pending())
	}
}
