// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/absmach/fluxipc/internal/bufpool"
	"github.com/absmach/fluxipc/message"
)

const (
	// LengthPrefixSize is the size of the big-endian frame length field.
	LengthPrefixSize = 4
	frameFlagsSize   = 1

	// MinFrameSize and MaxFrameSizeLimit bound the configurable frame limit.
	MinFrameSize      int64 = 2 * 1024
	MaxFrameSizeLimit int64 = 250 * 1024 * 1024

	// DefaultMaxFrameSize is used when no limit is configured.
	DefaultMaxFrameSize int64 = 20 * 1024 * 1024

	// FrameOverhead is the room a frame needs beyond its payload for the header,
	// metadata and encryption.
	FrameOverhead int64 = 256 * 1024
)

// Cipher seals outgoing and opens incoming frame bodies once a session key is
// negotiated. Seal is called by one writer at a time, Open by the single reader.
type Cipher interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
	Overhead() int
}

// Config configures a Framer.
type Config struct {
	MaxFrameSize   int64
	CompressCutoff int64
	Compression    Compression
}

// Validate checks the frame limits.
func (c Config) Validate() error {
	if c.MaxFrameSize < MinFrameSize || c.MaxFrameSize > MaxFrameSizeLimit {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidFrameSize, c.MaxFrameSize, MinFrameSize, MaxFrameSizeLimit)
	}
	return nil
}

// Framer reads and writes length-prefixed frames carrying encoded messages.
// Writes are serialized; reads must come from a single goroutine.
type Framer struct {
	wmu    sync.Mutex
	cfg    Config
	cipher Cipher
}

// NewFramer creates a framer. A zero MaxFrameSize selects DefaultMaxFrameSize.
func NewFramer(cfg Config) *Framer {
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	return &Framer{cfg: cfg}
}

// SetCipher installs the session cipher. It must be called before the framer
// is shared between goroutines.
func (f *Framer) SetCipher(c Cipher) {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	f.cipher = c
}

// SetCompression updates the compression settings negotiated in the handshake.
func (f *Framer) SetCompression(cutoff int64, c Compression) {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	f.cfg.CompressCutoff = cutoff
	f.cfg.Compression = c
}

// Encrypted reports whether a cipher is installed.
func (f *Framer) Encrypted() bool {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	return f.cipher != nil
}

// MaxFrameSize returns the frame size limit.
func (f *Framer) MaxFrameSize() int64 {
	return f.cfg.MaxFrameSize
}

// WriteMessage encodes m as a single frame on w and returns the bytes written.
func (f *Framer) WriteMessage(w io.Writer, m *message.Message) (int, error) {
	f.wmu.Lock()
	defer f.wmu.Unlock()

	body := bufpool.Get()
	defer bufpool.Put(body)

	body.WriteByte(0)
	if err := encodeTo(body, m); err != nil {
		return 0, err
	}

	frame := body.Bytes()
	if f.shouldCompress(len(frame) - frameFlagsSize) {
		packed := compress(frame[frameFlagsSize:], f.cfg.Compression)
		if len(packed) < len(frame)-frameFlagsSize {
			frame = append([]byte{byte(f.cfg.Compression)}, packed...)
		}
	}

	// Check the limit before sealing so a rejected frame does not consume a
	// nonce.
	size := len(frame)
	if f.cipher != nil {
		size += f.cipher.Overhead()
	}
	if int64(size) > f.cfg.MaxFrameSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, f.cfg.MaxFrameSize)
	}

	if f.cipher != nil {
		sealed, err := f.cipher.Seal(frame)
		if err != nil {
			return 0, fmt.Errorf("failed to seal frame: %w", err)
		}
		frame = sealed
	}

	out := bufpool.GetSized(LengthPrefixSize + len(frame))
	defer bufpool.Put(out)
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(frame)))
	out.Write(prefix[:])
	out.Write(frame)

	return w.Write(out.Bytes())
}

func (f *Framer) shouldCompress(n int) bool {
	return f.cfg.Compression != CompressionNone &&
		f.cfg.CompressCutoff >= 0 &&
		int64(n) >= f.cfg.CompressCutoff
}

func (f *Framer) negotiated(algo Compression) bool {
	return f.cfg.CompressCutoff != DisabledCutoff && f.cfg.Compression == algo
}

// ReadMessage blocks until a full frame is read from r and decodes it. It
// returns io.EOF when r ends cleanly between frames and io.ErrUnexpectedEOF
// when it ends inside one.
func (f *Framer) ReadMessage(r io.Reader) (*message.Message, int, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, 0, err
	}

	length := int64(binary.BigEndian.Uint32(prefix[:]))
	if length > f.cfg.MaxFrameSize {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, f.cfg.MaxFrameSize)
	}
	if length < frameFlagsSize {
		return nil, 0, fmt.Errorf("%w: empty frame", ErrMalformed)
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}
	n := LengthPrefixSize + int(length)

	if f.cipher != nil {
		plain, err := f.cipher.Open(frame)
		if err != nil {
			return nil, n, fmt.Errorf("failed to open frame: %w", err)
		}
		frame = plain
		if len(frame) < frameFlagsSize {
			return nil, n, fmt.Errorf("%w: empty frame", ErrMalformed)
		}
	}

	// Only the algorithm agreed in the handshake is accepted.
	body := frame[frameFlagsSize:]
	switch algo := Compression(frame[0]); algo {
	case CompressionNone:
	case CompressionS2, CompressionZstd:
		if !f.negotiated(algo) {
			return nil, n, fmt.Errorf("%w: %s", ErrCompressionNotNegotiated, algo)
		}
		var err error
		if body, err = decompress(body, algo, f.cfg.MaxFrameSize); err != nil {
			return nil, n, err
		}
	default:
		return nil, n, fmt.Errorf("%w: unknown frame flags %#x", ErrMalformed, frame[0])
	}

	m, err := Decode(body)
	if err != nil {
		return nil, n, err
	}
	return m, n, nil
}
