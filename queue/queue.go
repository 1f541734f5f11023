// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxipc/codec"
	"github.com/absmach/fluxipc/message"
	"github.com/absmach/fluxipc/wal"
)

// Queue is a named FIFO of messages. All state is guarded by mu; durable
// queues journal each mutation while holding it, before applying it.
type Queue struct {
	cfg Config

	mu      sync.Mutex
	items   []*message.Message
	changed chan struct{}
	journal wal.Journal
	removed bool

	offers  uint64
	polls   uint64
	expired uint64
}

func newQueue(cfg Config, journal wal.Journal) *Queue {
	return &Queue{
		cfg:     cfg,
		changed: make(chan struct{}),
		journal: journal,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.cfg.Name
}

// Config returns the queue definition.
func (q *Queue) Config() Config {
	return q.cfg
}

// Len returns the number of queued messages, expired ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats holds per-queue counters.
type Stats struct {
	Offers  uint64
	Polls   uint64
	Expired uint64
}

// Stats returns the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Offers: q.offers, Polls: q.polls, Expired: q.expired}
}

// Status returns the STATUS_QUEUE view of q.
func (q *Queue) Status() message.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return message.QueueStatus{
		Name:        q.cfg.Name,
		Exists:      !q.removed,
		Type:        string(q.cfg.Type),
		Persistence: string(q.cfg.Persistence),
		Temporary:   q.cfg.Temporary,
		Capacity:    q.cfg.Capacity,
		Size:        len(q.items),
	}
}

// broadcast wakes every waiter. Callers hold mu.
func (q *Queue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Offer appends m. A full Bounded queue waits up to timeout for room and then
// fails with ErrQueueFull; a negative timeout waits until ctx is done. A full
// Circular queue evicts its oldest entry.
func (q *Queue) Offer(ctx context.Context, m *message.Message, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		q.mu.Lock()
		if q.removed {
			q.mu.Unlock()
			return ErrQueueNotFound
		}
		if len(q.items) < q.cfg.Capacity || q.cfg.Type == Circular {
			err := q.offerLocked(m)
			q.mu.Unlock()
			return err
		}
		ch := q.changed
		q.mu.Unlock()

		if timeout == 0 {
			return ErrQueueFull
		}
		select {
		case <-ch:
		case <-deadline:
			return ErrQueueFull
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Queue) offerLocked(m *message.Message) error {
	if q.journal != nil {
		data, err := codec.Encode(m)
		if err != nil {
			return err
		}
		if err := q.journal.Append(wal.Record{Op: wal.OpOffer, Data: data}); err != nil {
			return fmt.Errorf("%w: %w", ErrDurability, err)
		}
	}
	q.push(m)
	q.offers++
	q.broadcast()
	return nil
}

// push appends m, evicting the head of a full Circular queue. Replay uses
// the same rule, so evictions need no journal record of their own.
func (q *Queue) push(m *message.Message) {
	if len(q.items) >= q.cfg.Capacity {
		q.pop()
	}
	q.items = append(q.items, m)
}

func (q *Queue) pop() *message.Message {
	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return m
}

// Poll removes and returns the oldest unexpired message. It waits up to
// timeout for one and then fails with ErrQueueEmpty; a negative timeout waits
// until ctx is done. Expired messages reaching the head are discarded.
func (q *Queue) Poll(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		q.mu.Lock()
		if q.removed {
			q.mu.Unlock()
			return nil, ErrQueueNotFound
		}
		m, err := q.pollLocked(time.Now())
		if m != nil || err != nil {
			q.mu.Unlock()
			return m, err
		}
		ch := q.changed
		q.mu.Unlock()

		if timeout == 0 {
			return nil, ErrQueueEmpty
		}
		select {
		case <-ch:
		case <-deadline:
			return nil, ErrQueueEmpty
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *Queue) pollLocked(now time.Time) (*message.Message, error) {
	for len(q.items) > 0 {
		if err := q.journalPoll(); err != nil {
			return nil, err
		}
		m := q.pop()
		if m.ExpiredAt(now) {
			q.expired++
			continue
		}
		q.polls++
		q.broadcast()
		return m, nil
	}
	return nil, nil
}

func (q *Queue) journalPoll() error {
	if q.journal == nil {
		return nil
	}
	if err := q.journal.Append(wal.Record{Op: wal.OpPoll}); err != nil {
		return fmt.Errorf("%w: %w", ErrDurability, err)
	}
	return nil
}

// apply replays one journal record.
func (q *Queue) apply(rec wal.Record) error {
	switch rec.Op {
	case wal.OpOffer:
		m, err := codec.Decode(rec.Data)
		if err != nil {
			return err
		}
		q.push(m)
	case wal.OpPoll:
		if len(q.items) > 0 {
			q.pop()
		}
	case wal.OpCreate:
		return fmt.Errorf("unexpected create record")
	}
	return nil
}

// compact rewrites the journal as the create record followed by the live
// entries.
func (q *Queue) compact(now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.journal == nil {
		return nil
	}
	spec, err := json.Marshal(q.cfg.Spec())
	if err != nil {
		return err
	}
	recs := make([]wal.Record, 0, len(q.items)+1)
	recs = append(recs, wal.Record{Op: wal.OpCreate, Data: spec})

	live := make([]*message.Message, 0, len(q.items))
	var expired uint64
	for _, m := range q.items {
		if m.ExpiredAt(now) {
			expired++
			continue
		}
		data, err := codec.Encode(m)
		if err != nil {
			return err
		}
		recs = append(recs, wal.Record{Op: wal.OpOffer, Data: data})
		live = append(live, m)
	}
	if err := q.journal.Rewrite(recs); err != nil {
		return err
	}
	q.items = live
	q.expired += expired
	return nil
}

// markRemoved detaches the journal and fails every waiter.
func (q *Queue) markRemoved() wal.Journal {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = true
	j := q.journal
	q.journal = nil
	q.items = nil
	q.broadcast()
	return j
}
