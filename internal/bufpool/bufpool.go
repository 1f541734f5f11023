// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the scratch buffers used to assemble frames.
package bufpool

import (
	"bytes"
	"sync"
)

// Frames above this capacity are left to the garbage collector so a single
// large message does not pin memory in the pool.
const maxPooledCap = 256 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// GetSized returns an empty buffer with room for at least n bytes.
func GetSized(n int) *bytes.Buffer {
	b := Get()
	b.Grow(n)
	return b
}

// Put returns b to the pool.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}
