// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package shard

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_GetOrCreate(t *testing.T) {
	m := New[int](4)

	v, created, err := m.GetOrCreate("a", func() (int, error) { return 1, nil })
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, v)

	v, created, err = m.GetOrCreate("a", func() (int, error) { return 2, nil })
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, v)

	_, created, err = m.GetOrCreate("b", func() (int, error) { return 0, errors.New("boom") })
	assert.Error(t, err)
	assert.False(t, created)
	assert.False(t, m.Has("b"))
}

func TestMap_ConcurrentCreateOnce(t *testing.T) {
	m := New[int](0)
	var calls atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = m.GetOrCreate("shared", func() (int, error) {
				calls.Add(1)
				return 7, nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, m.Len())
}

func TestMap_DeleteAndRange(t *testing.T) {
	m := New[string](8)
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%d", i)
		_, _, _ = m.GetOrCreate(key, func() (string, error) { return key, nil })
	}
	assert.Equal(t, 10, m.Len())
	assert.Len(t, m.Keys(), 10)

	v, ok := m.Delete("k3")
	assert.True(t, ok)
	assert.Equal(t, "k3", v)

	_, ok = m.DeleteIf("k4", func(s string) bool { return s == "nope" })
	assert.False(t, ok)
	_, ok = m.DeleteIf("k4", func(s string) bool { return s == "k4" })
	assert.True(t, ok)

	seen := 0
	m.Range(func(string, string) bool {
		seen++
		return true
	})
	assert.Equal(t, 8, seen)
}
