// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/absmach/fluxipc/message"
)

// Version is the body encoding version written as the first byte.
const Version byte = 1

const (
	flagOneway  byte = 1 << 0
	flagDurable byte = 1 << 1
)

// fixedBodySize covers version, flags, type, status, timestamp, expiresAt and timeout.
const fixedBodySize = 4 + 3*8

// stringFields lists the length-prefixed string fields in wire order.
func stringFields(f *message.Fields) [6]string {
	return [6]string{f.ID, f.RequestID, f.Subject, f.ReplyTo, f.Mimetype, f.Charset}
}

// Encode serializes m into a message body.
func Encode(m *message.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeTo(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeTo(buf *bytes.Buffer, m *message.Message) error {
	f := m.Fields()
	buf.Grow(bodySize(&f))

	var flags byte
	if f.Oneway {
		flags |= flagOneway
	}
	if f.Durable {
		flags |= flagDurable
	}
	buf.WriteByte(Version)
	buf.WriteByte(flags)
	buf.WriteByte(byte(f.Type))
	buf.WriteByte(byte(f.Status))

	var scratch [8]byte
	for _, v := range []int64{f.Timestamp, f.ExpiresAt, f.Timeout} {
		binary.BigEndian.PutUint64(scratch[:], uint64(v))
		buf.Write(scratch[:])
	}

	for _, s := range stringFields(&f) {
		if len(s) > math.MaxUint16 {
			return fmt.Errorf("%w: %d bytes", ErrFieldTooLong, len(s))
		}
		binary.BigEndian.PutUint16(scratch[:2], uint16(len(s)))
		buf.Write(scratch[:2])
		buf.WriteString(s)
	}

	if uint64(len(f.Payload)) > math.MaxUint32 {
		return fmt.Errorf("%w: payload of %d bytes", ErrFieldTooLong, len(f.Payload))
	}
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(f.Payload)))
	buf.Write(scratch[:4])
	buf.Write(f.Payload)
	return nil
}

func bodySize(f *message.Fields) int {
	n := fixedBodySize
	for _, s := range stringFields(f) {
		n += 2 + len(s)
	}
	return n + 4 + len(f.Payload)
}

// SizeInfo is the byte breakdown of an uncompressed, unencrypted frame.
type SizeInfo struct {
	Header   int `json:"header"`
	Metadata int `json:"metadata"`
	Payload  int `json:"payload"`
	Total    int `json:"total"`
}

// Size reports how many bytes m occupies on the wire: the frame and fixed
// header, the variable metadata including length prefixes, and the payload.
func Size(m *message.Message) SizeInfo {
	f := m.Fields()
	info := SizeInfo{
		Header:  LengthPrefixSize + frameFlagsSize + fixedBodySize,
		Payload: len(f.Payload),
	}
	for _, s := range stringFields(&f) {
		info.Metadata += 2 + len(s)
	}
	info.Metadata += 4
	info.Total = info.Header + info.Metadata + info.Payload
	return info
}
