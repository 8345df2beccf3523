// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress shrinks large channel frame payloads.
//
// Kernel output is bursty: a print of a large array or a traceback can
// produce hundreds of kilobytes on strm-raw at once. Frames whose
// payload exceeds a threshold are compressed with the algorithm the
// sending context was configured with; the receiving side reads the
// algorithm from the frame, so peers need not agree in advance.
package compress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies how a payload was compressed. The values are
// carried in frames and must not change.
type Algorithm uint8

const (
	// None leaves the payload unchanged.
	None Algorithm = 0
	// LZ4 is block-mode LZ4: fast, modest ratio.
	LZ4 Algorithm = 1
	// Zstd is zstd at the default level: better ratio on text output.
	Zstd Algorithm = 2
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Parse converts a configuration name into an Algorithm. The empty
// string means None.
func Parse(name string) (Algorithm, error) {
	switch name {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("unknown compression algorithm %q", name)
	}
}

// ErrIncompressible is returned by Compress when the output would not
// be smaller than the input. Callers send the payload raw instead.
var ErrIncompressible = errors.New("payload is incompressible")

// Compress compresses data with a. For None it returns data unchanged.
func Compress(data []byte, a Algorithm) ([]byte, error) {
	switch a {
	case None:
		return data, nil
	case LZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, ErrIncompressible
		}
		return destination[:written], nil
	case Zstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, ErrIncompressible
		}
		return compressed, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %d", uint8(a))
	}
}

// Decompress reverses Compress. size is the original payload length
// and is checked against the output.
func Decompress(data []byte, a Algorithm, size int) ([]byte, error) {
	switch a {
	case None:
		if len(data) != size {
			return nil, fmt.Errorf("raw payload is %d bytes, frame says %d", len(data), size)
		}
		return data, nil
	case LZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(data, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil
	case Zstd:
		result, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %d", uint8(a))
	}
}

// The zstd encoder and decoder are safe for concurrent EncodeAll and
// DecodeAll calls and expensive to build, so one of each is shared.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}
