// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topic implements named topics with fan-out delivery to
// per-subscriber bounded queues.
package topic

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxipc/internal/shard"
	"github.com/absmach/fluxipc/message"
)

// Topic is a named set of subscriptions.
type Topic struct {
	name string

	mu      sync.RWMutex
	subs    map[string]*Subscription
	removed bool

	published atomic.Uint64
}

// Name returns the topic name.
func (t *Topic) Name() string {
	return t.name
}

// Subscribers returns the number of current subscriptions.
func (t *Topic) Subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Published returns how many messages were published to t.
func (t *Topic) Published() uint64 {
	return t.published.Load()
}

// Manager is the topic registry.
type Manager struct {
	topics    *shard.Map[*Topic]
	maxTopics int
	count     atomic.Int64
}

// NewManager creates an empty registry. maxTopics of zero means unlimited.
func NewManager(maxTopics int) *Manager {
	return &Manager{
		topics:    shard.New[*Topic](0),
		maxTopics: maxTopics,
	}
}

// CreateTopic creates the named topic. Creating an existing topic is a no-op.
func (m *Manager) CreateTopic(name string) (created bool, err error) {
	if err := message.ValidateName(name); err != nil {
		return false, err
	}
	_, created, err = m.topics.GetOrCreate(name, func() (*Topic, error) {
		for {
			n := m.count.Load()
			if m.maxTopics > 0 && n >= int64(m.maxTopics) {
				return nil, ErrMaxTopics
			}
			if m.count.CompareAndSwap(n, n+1) {
				break
			}
		}
		return &Topic{name: name, subs: make(map[string]*Subscription)}, nil
	})
	return created, err
}

// RemoveTopic removes the topic and drops every subscription's interest in it.
func (m *Manager) RemoveTopic(name string) error {
	t, ok := m.topics.Delete(name)
	if !ok {
		return ErrTopicNotFound
	}
	m.count.Add(-1)

	t.mu.Lock()
	t.removed = true
	subs := t.subs
	t.subs = make(map[string]*Subscription)
	t.mu.Unlock()

	for _, s := range subs {
		s.remove(name)
	}
	return nil
}

// Exists reports whether the named topic exists.
func (m *Manager) Exists(name string) bool {
	return m.topics.Has(name)
}

// Get returns the named topic.
func (m *Manager) Get(name string) (*Topic, bool) {
	return m.topics.Get(name)
}

// Status returns the STATUS_TOPIC view of the named topic.
func (m *Manager) Status(name string) message.TopicStatus {
	t, ok := m.topics.Get(name)
	if !ok {
		return message.TopicStatus{Name: name}
	}
	return message.TopicStatus{Name: name, Exists: true, Subscribers: t.Subscribers()}
}

// Len returns the number of topics.
func (m *Manager) Len() int {
	return int(m.count.Load())
}

// Names returns the sorted topic names.
func (m *Manager) Names() []string {
	names := m.topics.Keys()
	sort.Strings(names)
	return names
}

// Subscribe registers sub on every named topic. Either all topics exist and
// all are subscribed, or ErrTopicNotFound is returned and none is.
func (m *Manager) Subscribe(sub *Subscription, topics ...string) error {
	resolved := make([]*Topic, 0, len(topics))
	for _, name := range topics {
		t, ok := m.topics.Get(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrTopicNotFound, name)
		}
		resolved = append(resolved, t)
	}
	select {
	case <-sub.done:
		return ErrSubscriptionClosed
	default:
	}

	for _, t := range resolved {
		t.mu.Lock()
		if !t.removed {
			t.subs[sub.id] = sub
			sub.add(t.name)
		}
		t.mu.Unlock()
	}
	return nil
}

// Unsubscribe drops sub's interest in the named topics. Unknown topics and
// repeated calls are no-ops.
func (m *Manager) Unsubscribe(sub *Subscription, topics ...string) {
	for _, name := range topics {
		sub.remove(name)
		t, ok := m.topics.Get(name)
		if !ok {
			continue
		}
		t.mu.Lock()
		if t.subs[sub.id] == sub {
			delete(t.subs, sub.id)
		}
		t.mu.Unlock()
	}
}

// UnsubscribeAll drops every interest of sub.
func (m *Manager) UnsubscribeAll(sub *Subscription) {
	m.Unsubscribe(sub, sub.Topics()...)
}

// Publish enqueues msg for every current subscriber of the topic and returns
// how many accepted it.
func (m *Manager) Publish(topic string, msg *message.Message) (int, error) {
	t, ok := m.topics.Get(topic)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTopicNotFound, topic)
	}
	t.published.Add(1)

	t.mu.RLock()
	subs := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.RUnlock()

	var reached int
	for _, s := range subs {
		if s.enqueue(msg) {
			reached++
		}
	}
	return reached, nil
}
