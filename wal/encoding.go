// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Record frame, little-endian:
//
//	length(4) crc(4) op(1) data(length)
//
// The CRC32-C covers op and data.
const (
	recordHeaderSize = 9

	// MaxRecordSize bounds the data of a single record.
	MaxRecordSize = 256 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func checksum(op Op, data []byte) uint32 {
	crc := crc32.Update(0, crcTable, []byte{byte(op)})
	return crc32.Update(crc, crcTable, data)
}

func validate(rec Record) error {
	if !rec.Op.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidOp, rec.Op)
	}
	if len(rec.Data) > MaxRecordSize {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(rec.Data))
	}
	return nil
}

// appendRecord appends the framed rec to buf.
func appendRecord(buf []byte, rec Record) []byte {
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(rec.Data)))
	binary.LittleEndian.PutUint32(hdr[4:8], checksum(rec.Op, rec.Data))
	hdr[8] = byte(rec.Op)
	buf = append(buf, hdr[:]...)
	return append(buf, rec.Data...)
}

// readRecords scans framed records from r, calling fn for each valid one. It
// stops at the first torn or corrupt record and returns the byte length of
// the valid prefix. Only an error from fn is returned.
func readRecords(r io.Reader, fn func(Record) error) (int64, error) {
	br := bufio.NewReader(r)
	hdr := make([]byte, recordHeaderSize)

	var valid int64
	for {
		if _, err := io.ReadFull(br, hdr); err != nil {
			return valid, nil
		}
		n := binary.LittleEndian.Uint32(hdr[0:4])
		op := Op(hdr[8])
		if n > MaxRecordSize || !op.Valid() {
			return valid, nil
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(br, data); err != nil {
			return valid, nil
		}
		if checksum(op, data) != binary.LittleEndian.Uint32(hdr[4:8]) {
			return valid, nil
		}
		if fn != nil {
			if err := fn(Record{Op: op, Data: data}); err != nil {
				return valid, err
			}
		}
		valid += recordHeaderSize + int64(n)
	}
}
