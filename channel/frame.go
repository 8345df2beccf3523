// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"fmt"
	"strings"

	"github.com/kbroker/kbroker/lib/codec"
	"github.com/kbroker/kbroker/lib/compress"
)

// Encoding is the payload type of a channel.
type Encoding uint8

const (
	// Text payloads are UTF-8 strings.
	Text Encoding = iota + 1
	// Object payloads are any CBOR-encodable value.
	Object
)

func (e Encoding) String() string {
	switch e {
	case Text:
		return "text"
	case Object:
		return "object"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

// encodingOf maps a channel's Go message type to its wire encoding.
func encodingOf[T any]() Encoding {
	var zero T
	if _, ok := any(zero).(string); ok {
		return Text
	}
	return Object
}

// Slot patterns. Requests travel on req-rep and replies on rep-req so
// a replier and a requester in the same context never collide.
const (
	patternPubSub = "pub-sub"
	patternReqRep = "req-rep"
	patternRepReq = "rep-req"
	patternState  = "state"
)

func slotName(name string, encoding Encoding, pattern string) string {
	return strings.ToLower(name + "." + encoding.String() + "." + pattern)
}

type frameKind uint8

const (
	frameData frameKind = iota + 1
	frameHeartbeat
	frameClose
	frameContext
)

// Context frame subjects.
const (
	subjectNewConnection   = "new-connection"
	subjectCloseConnection = "close-connection"
)

// frame is the unit written to a connection. Data and context frames
// are sequenced per source context; heartbeat and close frames concern
// only the link they travel on and are never forwarded.
type frame struct {
	Kind   frameKind `cbor:"1,keyasint"`
	Slot   string    `cbor:"2,keyasint,omitempty"`
	Source string    `cbor:"3,keyasint,omitempty"`
	Seq    uint64    `cbor:"4,keyasint,omitempty"`

	// Dest addresses a frame to one context. Other contexts only
	// forward it. DestSeq names the request a reply answers.
	Dest    string `cbor:"5,keyasint,omitempty"`
	DestSeq uint64 `cbor:"6,keyasint,omitempty"`

	Codec   compress.Algorithm `cbor:"7,keyasint,omitempty"`
	Size    int                `cbor:"8,keyasint,omitempty"`
	Payload []byte             `cbor:"9,keyasint,omitempty"`

	// Reason travels on close frames.
	Reason string `cbor:"10,keyasint,omitempty"`
}

// payload returns the decompressed payload.
func (f *frame) payload() ([]byte, error) {
	if f.Codec == compress.None {
		return f.Payload, nil
	}
	return compress.Decompress(f.Payload, f.Codec, f.Size)
}

// Handshake values. A peer that sends anything else is not speaking
// this protocol.
const (
	helloMagic   = "kbroker-channel"
	helloVersion = 1
)

type hello struct {
	Magic   string `cbor:"magic"`
	Version int    `cbor:"version"`
	Context string `cbor:"context"`
	PID     int    `cbor:"pid"`
}

// request is the payload of a frame on a req-rep slot.
type request struct {
	Method  string             `cbor:"method"`
	Args    []codec.RawMessage `cbor:"args,omitempty"`
	NoReply bool               `cbor:"noreply,omitempty"`
}

// reply is the payload of a frame on a rep-req slot.
type reply struct {
	Result codec.RawMessage `cbor:"result,omitempty"`
	Error  string           `cbor:"error,omitempty"`
}
