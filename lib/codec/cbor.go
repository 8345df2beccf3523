// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration shared by the channel wire
// protocol and the management socket.
//
// Frames, handshakes, object-channel payloads and management requests
// are all CBOR. Encoding uses Core Deterministic Encoding (RFC 8949
// §4.2) so identical values produce identical bytes, which keeps frame
// sizes stable for the compression threshold and makes golden tests
// possible. Decoding into `any` yields map[string]any rather than the
// CBOR default map[any]any, so object payloads can be handed straight
// to code that also handles JSON-decoded values.
//
// Types that only travel as CBOR carry `cbor` struct tags. Types that
// also appear as JSON (kernel definitions, CLI output) carry `json` tags
// only; fxamacker/cbor falls back to them.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	options := cbor.CoreDetEncOptions()
	options.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = options.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v. Unknown fields are ignored.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder writes a stream of CBOR values.
type Encoder = cbor.Encoder

// Decoder reads a stream of CBOR values. CBOR is self-delimiting, so a
// TCP stream of frames needs no extra length prefix.
type Decoder = cbor.Decoder

// RawMessage is an encoded CBOR value whose decoding is deferred.
type RawMessage = cbor.RawMessage

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}

// Diagnose renders data in CBOR diagnostic notation. The attach
// command uses it to print object-channel payloads it does not know.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
