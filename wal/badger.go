// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var _ Store = (*BadgerStore)(nil)

const (
	badgerPrefix  = "wal/"
	badgerGCEvery = 5 * time.Minute
)

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	Dir string
	// Sync fsyncs every write batch.
	Sync   bool
	Logger *slog.Logger
}

// BadgerStore keeps every journal in one BadgerDB, one key per record:
// wal/<queue>\x00<seq>.
type BadgerStore struct {
	dir    string
	db     *badger.DB
	logger *slog.Logger

	mu       sync.Mutex
	journals map[string]*badgerJournal
	closed   bool

	gcStopCh chan struct{}
	gcDone   chan struct{}
}

// NewBadgerStore opens or creates the database in cfg.Dir.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("wal directory is required")
	}
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.SyncWrites = cfg.Sync
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2
	opts.NumLevelZeroTables = 5
	opts.NumLevelZeroTablesStall = 15

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger wal: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &BadgerStore{
		dir:      cfg.Dir,
		db:       db,
		logger:   logger,
		journals: make(map[string]*badgerJournal),
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go s.runGC()
	return s, nil
}

func queuePrefix(queue string) []byte {
	p := make([]byte, 0, len(badgerPrefix)+len(queue)+1)
	p = append(p, badgerPrefix...)
	p = append(p, queue...)
	return append(p, 0)
}

func recordKey(prefix []byte, seq uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], seq)
	return k
}

// Open opens the journal of queue and positions it after the last record.
func (s *BadgerStore) Open(queue string) (Journal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if _, ok := s.journals[queue]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, queue)
	}

	prefix := queuePrefix(queue)
	var next uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(append([]byte{}, prefix...), 0xFF))
		if it.ValidForPrefix(prefix) {
			key := it.Item().Key()
			next = binary.BigEndian.Uint64(key[len(prefix):]) + 1
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", queue, err)
	}

	j := &badgerJournal{store: s, queue: queue, prefix: prefix, next: next}
	s.journals[queue] = j
	return j, nil
}

// Remove deletes every record of queue.
func (s *BadgerStore) Remove(queue string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if j, ok := s.journals[queue]; ok {
		j.markClosed()
		delete(s.journals, queue)
	}
	s.mu.Unlock()

	if err := s.db.DropPrefix(queuePrefix(queue)); err != nil {
		return fmt.Errorf("failed to remove journal %s: %w", queue, err)
	}
	return nil
}

// Queues lists the queues with at least one record.
func (s *BadgerStore) Queues() ([]string, error) {
	var queues []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()[len(badgerPrefix):]
			end := bytes.IndexByte(key, 0)
			if end < 0 {
				continue
			}
			name := string(key[:end])
			if n := len(queues); n == 0 || queues[n-1] != name {
				queues = append(queues, name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list journals: %w", err)
	}
	return queues, nil
}

// Close stops the GC loop and closes the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, j := range s.journals {
		j.markClosed()
	}
	s.journals = nil
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone
	return s.db.Close()
}

func (s *BadgerStore) release(j *badgerJournal) {
	s.mu.Lock()
	if s.journals[j.queue] == j {
		delete(s.journals, j.queue)
	}
	s.mu.Unlock()
}

func (s *BadgerStore) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(badgerGCEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when there is nothing to collect.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

type badgerJournal struct {
	store  *BadgerStore
	queue  string
	prefix []byte

	mu     sync.Mutex
	next   uint64
	closed bool
}

func encodeValue(rec Record) []byte {
	v := make([]byte, 1+len(rec.Data))
	v[0] = byte(rec.Op)
	copy(v[1:], rec.Data)
	return v
}

func (j *badgerJournal) Append(rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	err := j.store.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(j.prefix, j.next), encodeValue(rec))
	})
	if err != nil {
		return fmt.Errorf("failed to append to journal %s: %w", j.queue, err)
	}
	j.next++
	return nil
}

func (j *badgerJournal) Replay(fn func(Record) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	return j.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = j.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(v) == 0 || !Op(v[0]).Valid() {
				j.store.logger.Warn("skipping invalid journal record",
					slog.String("queue", j.queue))
				continue
			}
			if err := fn(Record{Op: Op(v[0]), Data: v[1:]}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Rewrite replaces all records in a single transaction.
func (j *badgerJournal) Rewrite(recs []Record) error {
	for _, rec := range recs {
		if err := validate(rec); err != nil {
			return err
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	err := j.store.db.Update(func(txn *badger.Txn) error {
		var keys [][]byte
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = j.prefix
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for i, rec := range recs {
			if err := txn.Set(recordKey(j.prefix, uint64(i)), encodeValue(rec)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to rewrite journal %s: %w", j.queue, err)
	}
	j.next = uint64(len(recs))
	return nil
}

func (j *badgerJournal) Close() error {
	j.store.release(j)
	j.markClosed()
	return nil
}

func (j *badgerJournal) markClosed() {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
}
