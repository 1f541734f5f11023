// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package shard provides a name-keyed concurrent map split across independently
// locked shards, so registries of unrelated queues, topics and functions never
// contend on a single lock.
package shard

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the shard count used when New is given a non-positive count.
const DefaultShards = 32

type bucket[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a sharded map from names to values.
type Map[V any] struct {
	buckets []*bucket[V]
}

// New creates a map with n shards.
func New[V any](n int) *Map[V] {
	if n <= 0 {
		n = DefaultShards
	}
	m := &Map[V]{buckets: make([]*bucket[V], n)}
	for i := range m.buckets {
		m.buckets[i] = &bucket[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) bucket(key string) *bucket[V] {
	return m.buckets[xxhash.Sum64String(key)%uint64(len(m.buckets))]
}

// Get returns the value stored under key.
func (m *Map[V]) Get(key string) (V, bool) {
	b := m.bucket(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.items[key]
	return v, ok
}

// Has reports whether key is present.
func (m *Map[V]) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// GetOrCreate returns the existing value for key, or stores the value returned by
// create. create runs under the shard lock, so at most one value is ever created
// per key. If create fails nothing is stored.
func (m *Map[V]) GetOrCreate(key string, create func() (V, error)) (v V, created bool, err error) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.items[key]; ok {
		return existing, false, nil
	}
	v, err = create()
	if err != nil {
		var zero V
		return zero, false, err
	}
	b.items[key] = v
	return v, true, nil
}

// Store sets the value for key, replacing any existing one.
func (m *Map[V]) Store(key string, v V) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[key] = v
}

// Delete removes key and returns the removed value.
func (m *Map[V]) Delete(key string) (V, bool) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.items[key]
	if ok {
		delete(b.items, key)
	}
	return v, ok
}

// DeleteIf removes key only when pred returns true for its current value.
func (m *Map[V]) DeleteIf(key string, pred func(V) bool) (V, bool) {
	b := m.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.items[key]
	if !ok || !pred(v) {
		var zero V
		return zero, false
	}
	delete(b.items, key)
	return v, true
}

// Len returns the number of entries across all shards.
func (m *Map[V]) Len() int {
	n := 0
	for _, b := range m.buckets {
		b.mu.RLock()
		n += len(b.items)
		b.mu.RUnlock()
	}
	return n
}

// Range calls fn for each entry until fn returns false. Each shard is read-locked
// while it is visited, so fn must not mutate the map.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, b := range m.buckets {
		b.mu.RLock()
		for k, v := range b.items {
			if !fn(k, v) {
				b.mu.RUnlock()
				return
			}
		}
		b.mu.RUnlock()
	}
}

// Keys returns a snapshot of all keys.
func (m *Map[V]) Keys() []string {
	keys := make([]string, 0, m.Len())
	m.Range(func(k string, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}
