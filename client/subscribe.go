// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"

	"github.com/absmach/fluxipc/message"
)

// Handler receives the messages published to a subscribed topic. Handlers run
// one at a time on the client's delivery goroutine, in arrival order, and
// must not call Close. A handler may make calls on the same client. While it
// runs, up to DeliveryChanSize deliveries are buffered and later ones are
// dropped and counted in Counters.DeliveriesDropped.
type Handler func(m *message.Message)

// subscriptions maps topics to their handlers.
type subscriptions struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func newSubscriptions() *subscriptions {
	return &subscriptions{handlers: make(map[string]Handler)}
}

func (s *subscriptions) handler(topic string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[topic]
	return h, ok
}

// set installs h for topics and returns the handlers it replaced, so a failed
// subscribe can be rolled back.
func (s *subscriptions) set(h Handler, topics []string) map[string]Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := make(map[string]Handler, len(topics))
	for _, t := range topics {
		prev[t] = s.handlers[t]
		s.handlers[t] = h
	}
	return prev
}

func (s *subscriptions) restore(prev map[string]Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t, h := range prev {
		if h == nil {
			delete(s.handlers, t)
			continue
		}
		s.handlers[t] = h
	}
}

// retain drops the handlers of every topic not in topics.
func (s *subscriptions) retain(topics []string) {
	keep := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		keep[t] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for t := range s.handlers {
		if _, ok := keep[t]; !ok {
			delete(s.handlers, t)
		}
	}
}

// Subscribe routes messages published to topics to h and returns every topic
// the connection is now subscribed to. Either all topics are subscribed or
// none is.
func (c *Client) Subscribe(ctx context.Context, h Handler, topics ...string) ([]string, error) {
	if h == nil {
		return nil, ErrNoHandler
	}
	// The handlers are installed first so no delivery is missed.
	prev := c.subs.set(h, topics)
	var set message.TopicSet
	if err := c.callJSON(ctx, message.TypeSubscribe, "", message.TopicSet{Topics: topics}, &set); err != nil {
		c.subs.restore(prev)
		return nil, err
	}
	return set.Topics, nil
}

// Unsubscribe stops deliveries from topics and returns the topics the
// connection remains subscribed to.
func (c *Client) Unsubscribe(ctx context.Context, topics ...string) ([]string, error) {
	var set message.TopicSet
	if err := c.callJSON(ctx, message.TypeUnsubscribe, "", message.TopicSet{Topics: topics}, &set); err != nil {
		return nil, err
	}
	c.subs.retain(set.Topics)
	return set.Topics, nil
}

// Publish sends a message to topic and returns the number of subscribers it
// reached.
func (c *Client) Publish(ctx context.Context, topic string, opts ...message.Option) (int, error) {
	resp, err := c.Send(ctx, message.New(message.TypePublish, topic, opts...))
	if err != nil {
		return 0, err
	}
	var ack message.PublishAck
	if err := resp.DecodeJSON(&ack); err != nil {
		return 0, err
	}
	return ack.Subscribers, nil
}

// CreateTopic creates a topic. Creating an existing topic succeeds.
func (c *Client) CreateTopic(ctx context.Context, name string) (message.TopicStatus, error) {
	var st message.TopicStatus
	err := c.callJSON(ctx, message.TypeCreateTopic, name, message.TopicSpec{Name: name}, &st)
	return st, err
}

// RemoveTopic removes a topic.
func (c *Client) RemoveTopic(ctx context.Context, name string) error {
	return c.callJSON(ctx, message.TypeRemoveTopic, name, nil, nil)
}

// TopicStatus describes a topic.
func (c *Client) TopicStatus(ctx context.Context, name string) (message.TopicStatus, error) {
	var st message.TopicStatus
	err := c.callJSON(ctx, message.TypeStatusTopic, name, nil, &st)
	return st, err
}
