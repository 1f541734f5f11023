// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wal

import (
	"fmt"
	"sort"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps journals in process memory. Content survives closing and
// reopening a journal, which makes it useful for restart tests.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string][]Record
	journals map[string]*memoryJournal
	closed   bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string][]Record),
		journals: make(map[string]*memoryJournal),
	}
}

func (s *MemoryStore) Open(queue string) (Journal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if _, ok := s.journals[queue]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, queue)
	}
	j := &memoryJournal{store: s, queue: queue}
	s.journals[queue] = j
	return j, nil
}

func (s *MemoryStore) Remove(queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.journals[queue]; ok {
		j.closed = true
		delete(s.journals, queue)
	}
	delete(s.records, queue)
	return nil
}

func (s *MemoryStore) Queues() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queues := make([]string, 0, len(s.records))
	for q, recs := range s.records {
		if len(recs) > 0 {
			queues = append(queues, q)
		}
	}
	sort.Strings(queues)
	return queues, nil
}

// Close closes open journals. Reopen is possible through Reset.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.journals {
		j.closed = true
	}
	s.journals = make(map[string]*memoryJournal)
	s.closed = true
	return nil
}

// Reset reopens a closed store, keeping its content.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
}

// memoryJournal is guarded by the store mutex.
type memoryJournal struct {
	store  *MemoryStore
	queue  string
	closed bool
}

func (j *memoryJournal) Append(rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	s := j.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	rec.Data = append([]byte(nil), rec.Data...)
	s.records[j.queue] = append(s.records[j.queue], rec)
	return nil
}

func (j *memoryJournal) Replay(fn func(Record) error) error {
	s := j.store
	s.mu.Lock()
	if j.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	recs := append([]Record(nil), s.records[j.queue]...)
	s.mu.Unlock()

	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (j *memoryJournal) Rewrite(recs []Record) error {
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if err := validate(rec); err != nil {
			return err
		}
		out = append(out, Record{Op: rec.Op, Data: append([]byte(nil), rec.Data...)})
	}

	s := j.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	s.records[j.queue] = out
	return nil
}

func (j *memoryJournal) Close() error {
	s := j.store
	s.mu.Lock()
	defer s.mu.Unlock()

	j.closed = true
	if s.journals[j.queue] == j {
		delete(s.journals, j.queue)
	}
	return nil
}
