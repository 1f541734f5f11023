// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/absmach/fluxipc/message"
)

// reader walks an encoded body. Every read checks the remaining length so a
// truncated or hostile body yields ErrMalformed instead of a panic.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) byte() (byte, error) {
	if r.remaining() < 1 {
		return 0, ErrMalformed
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, ErrMalformed
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrMalformed
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) int64() (int64, error) {
	if r.remaining() < 8 {
		return 0, ErrMalformed
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return int64(v), nil
}

func (r *reader) string() (string, error) {
	n, err := r.uint16()
	if err != nil {
		return "", err
	}
	if r.remaining() < int(n) {
		return "", ErrMalformed
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if uint64(r.remaining()) < uint64(n) {
		return nil, ErrMalformed
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// Decode parses a body produced by Encode.
func Decode(body []byte) (*message.Message, error) {
	r := &reader{buf: body}

	version, err := r.byte()
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	var f message.Fields
	flags, err := r.byte()
	if err != nil {
		return nil, err
	}
	f.Oneway = flags&flagOneway != 0
	f.Durable = flags&flagDurable != 0

	typ, err := r.byte()
	if err != nil {
		return nil, err
	}
	status, err := r.byte()
	if err != nil {
		return nil, err
	}
	f.Type = message.Type(typ)
	f.Status = message.Status(status)

	if f.Timestamp, err = r.int64(); err != nil {
		return nil, err
	}
	if f.ExpiresAt, err = r.int64(); err != nil {
		return nil, err
	}
	if f.Timeout, err = r.int64(); err != nil {
		return nil, err
	}

	for _, dst := range []*string{&f.ID, &f.RequestID, &f.Subject, &f.ReplyTo, &f.Mimetype, &f.Charset} {
		if *dst, err = r.string(); err != nil {
			return nil, err
		}
	}

	if f.Payload, err = r.bytes(); err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.remaining())
	}

	m, err := message.FromFields(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return m, nil
}
