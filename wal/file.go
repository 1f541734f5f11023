// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wal

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const fileExt = ".wal"

var _ Store = (*FileStore)(nil)

// journalFile is the subset of *os.File a journal writes through.
type journalFile interface {
	io.ReadWriteSeeker
	io.Closer
	Sync() error
	Truncate(size int64) error
}

// FileConfig configures a FileStore.
type FileConfig struct {
	Dir string
	// Sync fsyncs after every append. Without it an acknowledged record
	// survives a process crash but not a power loss.
	Sync   bool
	Logger *slog.Logger
}

// FileStore keeps one append-only file per queue.
type FileStore struct {
	dir    string
	sync   bool
	logger *slog.Logger

	mu       sync.Mutex
	journals map[string]*fileJournal
	closed   bool
}

// NewFileStore creates the directory if needed and returns a store rooted there.
func NewFileStore(cfg FileConfig) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("wal directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create wal directory: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		dir:      cfg.Dir,
		sync:     cfg.Sync,
		logger:   logger,
		journals: make(map[string]*fileJournal),
	}, nil
}

func (s *FileStore) path(queue string) string {
	return filepath.Join(s.dir, url.PathEscape(queue)+fileExt)
}

// Open opens the journal of queue, truncating a torn or corrupt tail left by
// a crash.
func (s *FileStore) Open(queue string) (Journal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if _, ok := s.journals[queue]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, queue)
	}

	path := s.path(queue)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", queue, err)
	}
	size, err := s.recover(f, queue)
	if err != nil {
		f.Close()
		return nil, err
	}

	j := &fileJournal{store: s, queue: queue, path: path, f: f, size: size}
	s.journals[queue] = j
	return j, nil
}

func (s *FileStore) recover(f *os.File, queue string) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	valid, err := readRecords(f, nil)
	if err != nil {
		return 0, err
	}
	if valid < info.Size() {
		s.logger.Warn("truncating corrupt journal tail",
			slog.String("queue", queue),
			slog.Int64("valid_bytes", valid),
			slog.Int64("truncated_bytes", info.Size()-valid))
		if err := f.Truncate(valid); err != nil {
			return 0, fmt.Errorf("failed to truncate journal %s: %w", queue, err)
		}
	}
	if _, err := f.Seek(valid, io.SeekStart); err != nil {
		return 0, err
	}
	return valid, nil
}

// Remove deletes the journal of queue.
func (s *FileStore) Remove(queue string) error {
	s.mu.Lock()
	j, ok := s.journals[queue]
	delete(s.journals, queue)
	s.mu.Unlock()

	if ok {
		j.closeFile()
	}
	if err := os.Remove(s.path(queue)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove journal %s: %w", queue, err)
	}
	return nil
}

// Queues lists the journals found in the directory.
func (s *FileStore) Queues() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list wal directory: %w", err)
	}
	var queues []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		queue, err := url.PathUnescape(strings.TrimSuffix(name, fileExt))
		if err != nil {
			s.logger.Warn("skipping journal with invalid name", slog.String("file", name))
			continue
		}
		queues = append(queues, queue)
	}
	sort.Strings(queues)
	return queues, nil
}

// Close closes every open journal.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	journals := s.journals
	s.journals = make(map[string]*fileJournal)
	s.mu.Unlock()

	var firstErr error
	for _, j := range journals {
		if err := j.closeFile(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *FileStore) release(j *fileJournal) {
	s.mu.Lock()
	if s.journals[j.queue] == j {
		delete(s.journals, j.queue)
	}
	s.mu.Unlock()
}

type fileJournal struct {
	store *FileStore
	queue string
	path  string

	mu  sync.Mutex
	f   journalFile
	buf []byte

	// size is the length of the journal up to the last complete record.
	size int64
	// failed is set once a failed append could not be rolled back.
	failed error
}

// Append writes rec at the end of the journal. A failed write or sync is
// rolled back so the file never keeps a partial record ahead of later ones.
func (j *fileJournal) Append(rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return ErrClosed
	}
	if j.failed != nil {
		return j.failed
	}
	j.buf = appendRecord(j.buf[:0], rec)
	if _, err := j.f.Write(j.buf); err != nil {
		j.rollback()
		return fmt.Errorf("failed to append to journal %s: %w", j.queue, err)
	}
	if j.store.sync {
		if err := j.f.Sync(); err != nil {
			j.rollback()
			return fmt.Errorf("failed to sync journal %s: %w", j.queue, err)
		}
	}
	j.size += int64(len(j.buf))
	return nil
}

// rollback cuts the journal back to the last complete record. When that
// fails too, every later append is refused until Rewrite replaces the file.
func (j *fileJournal) rollback() {
	err := j.f.Truncate(j.size)
	if err == nil {
		_, err = j.f.Seek(j.size, io.SeekStart)
	}
	if err != nil {
		j.failed = fmt.Errorf("%w: %s: %w", ErrFailed, j.queue, err)
		j.store.logger.Error("journal rollback failed",
			slog.String("queue", j.queue),
			slog.Int64("size", j.size),
			slog.String("error", err.Error()))
	}
}

func (j *fileJournal) Replay(fn func(Record) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return ErrClosed
	}
	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := readRecords(j.f, fn)
	if _, serr := j.f.Seek(0, io.SeekEnd); serr != nil && err == nil {
		err = serr
	}
	return err
}

// Rewrite writes recs to a temporary file and renames it over the journal.
func (j *fileJournal) Rewrite(recs []Record) error {
	var buf []byte
	for _, rec := range recs {
		if err := validate(rec); err != nil {
			return err
		}
		buf = appendRecord(buf, rec)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return ErrClosed
	}

	tmp := j.path + ".tmp"
	if err := writeFileSync(tmp, buf); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rewrite journal %s: %w", j.queue, err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace journal %s: %w", j.queue, err)
	}

	f, err := os.OpenFile(j.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen journal %s: %w", j.queue, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return err
	}
	j.f.Close()
	j.f = f
	j.size = int64(len(buf))
	j.failed = nil
	return nil
}

func (j *fileJournal) Close() error {
	j.store.release(j)
	return j.closeFile()
}

func (j *fileJournal) closeFile() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
