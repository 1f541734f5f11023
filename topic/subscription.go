// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topic

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxipc/message"
)

// Policy decides what happens when a subscriber's delivery queue is full.
type Policy string

const (
	// PolicyDrop discards the new message.
	PolicyDrop Policy = "drop"
	// PolicyBlock waits up to the block timeout for room, then discards.
	PolicyBlock Policy = "block"
)

const (
	DefaultDepth        = 50
	DefaultBlockTimeout = time.Second
)

// ParsePolicy parses a policy name. The empty string selects PolicyDrop.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(s)); p {
	case "":
		return PolicyDrop, nil
	case PolicyDrop, PolicyBlock:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
}

// Sink receives the messages delivered to a subscription, one at a time and
// in publish order.
type Sink func(m *message.Message) error

// SubscriptionConfig tunes a subscription's delivery queue.
type SubscriptionConfig struct {
	Depth        int
	Policy       Policy
	BlockTimeout time.Duration
	Logger       *slog.Logger
}

// Subscription is one connection's interest in a set of topics, with a
// bounded delivery queue drained by its own goroutine.
type Subscription struct {
	id           string
	sink         Sink
	policy       Policy
	blockTimeout time.Duration
	logger       *slog.Logger

	ch      chan *message.Message
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu     sync.Mutex
	topics map[string]struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewSubscription starts the delivery goroutine for the subscriber id.
func NewSubscription(id string, sink Sink, cfg SubscriptionConfig) *Subscription {
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultDepth
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyDrop
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultBlockTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Subscription{
		id:           id,
		sink:         sink,
		policy:       cfg.Policy,
		blockTimeout: cfg.BlockTimeout,
		logger:       cfg.Logger,
		ch:           make(chan *message.Message, cfg.Depth),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
		topics:       make(map[string]struct{}),
	}
	go s.run()
	return s
}

// ID returns the subscriber id.
func (s *Subscription) ID() string {
	return s.id
}

// Topics returns the subscribed topic names, sorted.
func (s *Subscription) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SubscriptionStats holds delivery counters.
type SubscriptionStats struct {
	Delivered uint64
	Dropped   uint64
	Failed    uint64
	Pending   int
}

// Stats returns the delivery counters.
func (s *Subscription) Stats() SubscriptionStats {
	return SubscriptionStats{
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		Failed:    s.failed.Load(),
		Pending:   len(s.ch),
	}
}

func (s *Subscription) add(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscription) remove(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// enqueue hands m to the delivery goroutine according to the policy and
// reports whether it was accepted.
func (s *Subscription) enqueue(m *message.Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	switch s.policy {
	case PolicyBlock:
		t := time.NewTimer(s.blockTimeout)
		defer t.Stop()
		select {
		case s.ch <- m:
			return true
		case <-t.C:
		case <-s.done:
			return false
		}
	default:
		select {
		case s.ch <- m:
			return true
		default:
		}
	}
	s.dropped.Add(1)
	return false
}

func (s *Subscription) run() {
	defer close(s.stopped)
	for {
		select {
		case m := <-s.ch:
			if err := s.sink(m); err != nil {
				s.failed.Add(1)
				s.logger.Debug("subscription delivery failed",
					slog.String("subscriber", s.id),
					slog.String("topic", m.Subject()),
					slog.String("error", err.Error()))
				continue
			}
			s.delivered.Add(1)
		case <-s.done:
			return
		}
	}
}

// Close stops delivery and waits for the delivery goroutine. Pending
// messages are discarded. Close is idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.done) })
	<-s.stopped
}
