// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the frame compression algorithm.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionS2
	CompressionZstd
)

// DisabledCutoff disables compression regardless of the algorithm.
const DisabledCutoff int64 = -1

var (
	// Single segment frames always carry their content size.
	zstdEncoder, _ = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithSingleSegment(true))
	// DecodeAll never writes past the capacity of the destination it is given.
	zstdDecoder, _ = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(uint64(MaxFrameSizeLimit)),
		zstd.WithDecodeAllCapLimit(true))
)

func (c Compression) String() string {
	switch c {
	case CompressionS2:
		return "s2"
	case CompressionZstd:
		return "zstd"
	default:
		return "none"
	}
}

// ParseCompression maps a configuration value to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "s2":
		return CompressionS2, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

func compress(data []byte, c Compression) []byte {
	switch c {
	case CompressionS2:
		return s2.Encode(nil, data)
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil)
	default:
		return data
	}
}

// decompress inflates data and refuses results larger than limit. The
// decoded size is checked before the output buffer is allocated.
func decompress(data []byte, c Compression, limit int64) ([]byte, error) {
	switch c {
	case CompressionS2:
		n, err := s2.DecodedLen(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if int64(n) > limit {
			return nil, fmt.Errorf("%w: decompressed size %d", ErrFrameTooLarge, n)
		}
		out, err := s2.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return out, nil
	case CompressionZstd:
		var h zstd.Header
		if err := h.Decode(data); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if !h.HasFCS {
			return nil, fmt.Errorf("%w: zstd frame without content size", ErrMalformed)
		}
		if h.FrameContentSize > uint64(limit) {
			return nil, fmt.Errorf("%w: decompressed size %d", ErrFrameTooLarge, h.FrameContentSize)
		}
		// The capacity bounds trailing frames the header does not describe.
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, h.FrameContentSize))
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrFrameTooLarge, err)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return out, nil
	default:
		return data, nil
	}
}
