// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wal provides per-queue write-ahead journals. A journal is an
// ordered sequence of records; appends are durable once Append returns.
package wal

import (
	"errors"
	"fmt"
)

var (
	ErrClosed         = errors.New("journal closed")
	ErrAlreadyOpen    = errors.New("journal already open")
	ErrInvalidOp      = errors.New("invalid record op")
	ErrRecordTooLarge = errors.New("record too large")
	// ErrFailed reports a journal left in an unknown state by a failed append.
	ErrFailed = errors.New("journal failed")
)

// Op identifies what a record journals.
type Op uint8

const (
	// OpCreate carries the queue definition and is always the first record.
	OpCreate Op = iota + 1
	// OpOffer carries one encoded message appended to the tail.
	OpOffer
	// OpPoll removes the head entry. It carries no data.
	OpPoll
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpOffer:
		return "offer"
	case OpPoll:
		return "poll"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Valid reports whether o is a known op.
func (o Op) Valid() bool {
	return o >= OpCreate && o <= OpPoll
}

// Record is a single journal entry.
type Record struct {
	Op   Op
	Data []byte
}

// Journal is the write-ahead log of one queue. Callers serialize Append and
// Rewrite per journal.
type Journal interface {
	// Append durably adds rec to the end of the journal.
	Append(rec Record) error

	// Replay calls fn for every record in order. A torn or corrupt tail is
	// discarded, never returned.
	Replay(fn func(Record) error) error

	// Rewrite atomically replaces the journal content with recs.
	Rewrite(recs []Record) error

	// Close releases the journal. The content stays in the store.
	Close() error
}

// Store opens journals by queue name.
type Store interface {
	// Open opens or creates the journal for queue.
	Open(queue string) (Journal, error)

	// Remove closes and deletes the journal for queue. Removing a missing
	// journal is not an error.
	Remove(queue string) error

	// Queues lists the queues that have a journal, sorted by name.
	Queues() ([]string, error)

	// Close closes every open journal and the store itself.
	Close() error
}
