// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel multiplexes named message channels over TCP.
//
// A [Context] is one node of a small network: a broker, a kernel, or a
// front-end. It owns any number of [Connection]s, each either bound
// (listening for exactly one peer) or dialed, and any number of named
// channels. Three delivery semantics are offered:
//
//   - [PubChannel] / [SubChannel]: fire-and-forget broadcast. Every
//     subscriber sees a publisher's messages in send order.
//   - [ReqChannel] / [RepChannel]: calls that return a [Future],
//     resolved by the replier or rejected when the context closes.
//   - [StateChannel]: last value wins. A context joining the network
//     triggers every state owner to republish, so late subscribers see
//     the current value without asking.
//
// Two endpoints pair when they agree on name, payload encoding and
// pattern. The triple is the frame's slot, "name.encoding.pattern";
// a pub "strm-out" of text and a sub "strm-out" of objects never see
// each other.
//
// Frames carry their originating context and a per-origin sequence
// number. A context delivers a frame to its own channel on that slot
// and forwards it on every other connection, which is how a broker in
// the middle relays traffic between a kernel and its front-ends
// without knowing any of their channels. Duplicates are dropped by
// sequence number.
//
// Nothing blocks the caller except [SubChannel.RecvWait] and
// [Future.Wait]. Network I/O runs on per-connection goroutines which
// queue what they read; [Context.Pump] drains that queue and runs all
// channel callbacks and connection event handlers on the calling
// goroutine. A program without its own scheduler calls [Context.Run].
package channel
