// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"

	"github.com/absmach/fluxipc/message"
)

// Future is the pending result of an asynchronous request.
type Future struct {
	id   string
	done chan struct{}
	resp *message.Message
	err  error
}

// ID returns the id of the request the future answers.
func (f *Future) ID() string {
	return f.id
}

// Done is closed once the response arrived or the request failed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get waits for the response. A response with a status other than OK is
// returned together with a *StatusError. Cancelling ctx stops waiting only.
func (f *Future) Get(ctx context.Context) (*message.Message, error) {
	select {
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return f.resp, statusError(f.resp)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pendingStore tracks in-flight requests by message id.
type pendingStore struct {
	mu      sync.Mutex
	pending map[string]*Future
	maxSize int
	closed  error
}

func newPendingStore(maxSize int) *pendingStore {
	return &pendingStore{
		pending: make(map[string]*Future),
		maxSize: maxSize,
	}
}

// add registers a future for id.
func (ps *pendingStore) add(id string) (*Future, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed != nil {
		return nil, ps.closed
	}
	if ps.maxSize > 0 && len(ps.pending) >= ps.maxSize {
		return nil, ErrMaxInflight
	}
	f := &Future{id: id, done: make(chan struct{})}
	ps.pending[id] = f
	return f, nil
}

// complete resolves the future registered for resp's id. Responses nobody
// waits for any more are dropped.
func (ps *pendingStore) complete(resp *message.Message) bool {
	ps.mu.Lock()
	f, ok := ps.pending[resp.ID()]
	if ok {
		delete(ps.pending, resp.ID())
	}
	ps.mu.Unlock()

	if ok {
		f.resp = resp
		close(f.done)
	}
	return ok
}

// remove forgets id without completing it.
func (ps *pendingStore) remove(id string) {
	ps.mu.Lock()
	delete(ps.pending, id)
	ps.mu.Unlock()
}

// clear fails every pending future with err and refuses new ones.
func (ps *pendingStore) clear(err error) {
	ps.mu.Lock()
	pending := ps.pending
	ps.pending = make(map[string]*Future)
	ps.closed = err
	ps.mu.Unlock()

	for _, f := range pending {
		f.err = err
		close(f.done)
	}
}

func (ps *pendingStore) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.pending)
}
