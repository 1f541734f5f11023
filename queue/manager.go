// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxipc/internal/shard"
	"github.com/absmach/fluxipc/message"
	"github.com/absmach/fluxipc/wal"
	"github.com/google/uuid"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Store journals durable queues. Without one, durable queues cannot be
	// created.
	Store wal.Store
	// MaxQueues bounds the number of queues; zero means unlimited.
	MaxQueues int
	// MaxMessageSize bounds the payload accepted by Offer; zero means unlimited.
	MaxMessageSize int64
	Logger         *slog.Logger
}

// Manager is the queue registry. Lookups and creation contend only on the
// shard holding the queue name.
type Manager struct {
	queues         *shard.Map[*Queue]
	store          wal.Store
	maxQueues      int
	maxMessageSize int64
	count          atomic.Int64
	logger         *slog.Logger
}

// NewManager creates an empty registry. Call Load to restore durable queues.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		queues:         shard.New[*Queue](0),
		store:          cfg.Store,
		maxQueues:      cfg.MaxQueues,
		maxMessageSize: cfg.MaxMessageSize,
		logger:         logger,
	}
}

// MaxMessageSize returns the payload limit, zero if unlimited.
func (m *Manager) MaxMessageSize() int64 {
	return m.maxMessageSize
}

func (m *Manager) reserve() error {
	for {
		n := m.count.Load()
		if m.maxQueues > 0 && n >= int64(m.maxQueues) {
			return ErrMaxQueues
		}
		if m.count.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

func (m *Manager) release() {
	m.count.Add(-1)
}

// CreateQueue creates the queue described by cfg. Creating a queue that
// already exists is a no-op; created reports whether a new queue was made.
func (m *Manager) CreateQueue(cfg Config) (q *Queue, created bool, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	return m.queues.GetOrCreate(cfg.Name, func() (*Queue, error) {
		if err := m.reserve(); err != nil {
			return nil, err
		}
		q, err := m.open(cfg)
		if err != nil {
			m.release()
			return nil, err
		}
		return q, nil
	})
}

func (m *Manager) open(cfg Config) (*Queue, error) {
	if cfg.Persistence != Durable {
		return newQueue(cfg, nil), nil
	}
	if m.store == nil {
		return nil, fmt.Errorf("%w: no journal store configured", ErrDurability)
	}
	spec, err := json.Marshal(cfg.Spec())
	if err != nil {
		return nil, err
	}
	j, err := m.store.Open(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDurability, err)
	}
	if err := j.Rewrite([]wal.Record{{Op: wal.OpCreate, Data: spec}}); err != nil {
		_ = m.store.Remove(cfg.Name)
		return nil, fmt.Errorf("%w: %w", ErrDurability, err)
	}
	return newQueue(cfg, j), nil
}

// CreateTemporary creates a transient bounded queue named tmp/<uuid> owned by
// owner.
func (m *Manager) CreateTemporary(owner string, capacity int) (*Queue, error) {
	cfg := Config{
		Name:        TempPrefix + uuid.NewString(),
		Capacity:    capacity,
		Type:        Bounded,
		Persistence: Transient,
		Temporary:   true,
		Owner:       owner,
	}
	q, _, err := m.CreateQueue(cfg)
	return q, err
}

// RemoveQueue removes the queue and deletes its journal. Waiting offers and
// polls fail with ErrQueueNotFound.
func (m *Manager) RemoveQueue(name string) error {
	q, ok := m.queues.Get(name)
	if !ok {
		return ErrQueueNotFound
	}
	return m.remove(q)
}

func (m *Manager) remove(q *Queue) error {
	j := q.markRemoved()

	var err error
	if j != nil {
		if rerr := m.store.Remove(q.Name()); rerr != nil {
			err = fmt.Errorf("%w: %w", ErrDurability, rerr)
		}
	}
	if _, ok := m.queues.DeleteIf(q.Name(), func(v *Queue) bool { return v == q }); ok {
		m.release()
	}
	return err
}

// RemoveOwnedBy removes every temporary queue owned by owner and returns how
// many were removed.
func (m *Manager) RemoveOwnedBy(owner string) int {
	var owned []*Queue
	m.queues.Range(func(_ string, q *Queue) bool {
		if q.cfg.Temporary && q.cfg.Owner == owner {
			owned = append(owned, q)
		}
		return true
	})
	for _, q := range owned {
		_ = m.remove(q)
	}
	return len(owned)
}

// Get returns the named queue.
func (m *Manager) Get(name string) (*Queue, bool) {
	return m.queues.Get(name)
}

// Exists reports whether the named queue exists.
func (m *Manager) Exists(name string) bool {
	return m.queues.Has(name)
}

// Status returns the STATUS_QUEUE view of the named queue.
func (m *Manager) Status(name string) message.QueueStatus {
	q, ok := m.queues.Get(name)
	if !ok {
		return message.QueueStatus{Name: name}
	}
	return q.Status()
}

// Len returns the number of queues.
func (m *Manager) Len() int {
	return int(m.count.Load())
}

// Names returns the sorted queue names.
func (m *Manager) Names() []string {
	names := m.queues.Keys()
	sort.Strings(names)
	return names
}

// Offer validates the size of msg and offers it to the named queue.
func (m *Manager) Offer(ctx context.Context, name string, msg *message.Message, timeout time.Duration) error {
	if m.maxMessageSize > 0 && int64(len(msg.Payload())) > m.maxMessageSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(msg.Payload()), m.maxMessageSize)
	}
	q, ok := m.queues.Get(name)
	if !ok {
		return ErrQueueNotFound
	}
	return q.Offer(ctx, msg, timeout)
}

// Poll polls the named queue.
func (m *Manager) Poll(ctx context.Context, name string, timeout time.Duration) (*message.Message, error) {
	q, ok := m.queues.Get(name)
	if !ok {
		return nil, ErrQueueNotFound
	}
	return q.Poll(ctx, timeout)
}

// Load restores every journaled queue, replaying records in order, and then
// compacts each journal. It must run before the queues are shared.
func (m *Manager) Load() error {
	if m.store == nil {
		return nil
	}
	names, err := m.store.Queues()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, name := range names {
		q, err := m.restore(name)
		if err != nil {
			m.logger.Error("failed to restore durable queue",
				slog.String("queue", name),
				slog.String("error", err.Error()))
			continue
		}
		if err := q.compact(now); err != nil {
			m.logger.Warn("failed to compact journal",
				slog.String("queue", name),
				slog.String("error", err.Error()))
		}
		m.queues.Store(name, q)
		m.count.Add(1)
		m.logger.Info("restored durable queue",
			slog.String("queue", name),
			slog.Int("size", q.Len()))
	}
	if m.maxQueues > 0 && m.Len() > m.maxQueues {
		m.logger.Warn("restored queues exceed the configured maximum",
			slog.Int("queues", m.Len()),
			slog.Int("max_queues", m.maxQueues))
	}
	return nil
}

var errNoCreateRecord = errors.New("journal does not start with a create record")

func (m *Manager) restore(name string) (*Queue, error) {
	if m.queues.Has(name) {
		return nil, fmt.Errorf("queue %s already loaded", name)
	}
	j, err := m.store.Open(name)
	if err != nil {
		return nil, err
	}

	var q *Queue
	err = j.Replay(func(rec wal.Record) error {
		if q == nil {
			if rec.Op != wal.OpCreate {
				return errNoCreateRecord
			}
			var spec message.QueueSpec
			if err := json.Unmarshal(rec.Data, &spec); err != nil {
				return err
			}
			cfg, err := FromSpec(spec)
			if err != nil {
				return err
			}
			q = newQueue(cfg, j)
			return nil
		}
		return q.apply(rec)
	})
	if err == nil && q == nil {
		err = errNoCreateRecord
	}
	if err != nil {
		j.Close()
		return nil, err
	}
	return q, nil
}

// Close closes every journal. Durable queues fail further mutations with
// ErrDurability; their content stays in the store.
func (m *Manager) Close() error {
	var errs []error
	m.queues.Range(func(_ string, q *Queue) bool {
		q.mu.Lock()
		j := q.journal
		q.mu.Unlock()
		if j != nil {
			if err := j.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return true
	})
	return errors.Join(errs...)
}
