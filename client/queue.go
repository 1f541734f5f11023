// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"time"

	"github.com/absmach/fluxipc/message"
)

// Offer appends a message to queue. A positive timeout lets the server wait
// for room in a full bounded queue; a negative one waits without limit.
func (c *Client) Offer(ctx context.Context, queue string, timeout time.Duration, opts ...message.Option) error {
	opts = append(opts, message.WithTimeout(timeout))
	_, err := c.Send(ctx, message.New(message.TypeOffer, queue, opts...))
	return err
}

// Poll takes the head of queue. A positive timeout lets the server wait for a
// message; a negative one waits without limit. An empty queue yields a
// *StatusError with message.StatusQueueEmpty.
func (c *Client) Poll(ctx context.Context, queue string, timeout time.Duration) (*message.Message, error) {
	return c.Send(ctx, message.New(message.TypePoll, queue, message.WithTimeout(timeout)))
}

// CreateQueue creates a queue. Creating an existing queue succeeds and
// returns its status.
func (c *Client) CreateQueue(ctx context.Context, spec message.QueueSpec) (message.QueueStatus, error) {
	var st message.QueueStatus
	err := c.callJSON(ctx, message.TypeCreateQueue, spec.Name, spec, &st)
	return st, err
}

// RemoveQueue removes a queue.
func (c *Client) RemoveQueue(ctx context.Context, name string) error {
	return c.callJSON(ctx, message.TypeRemoveQueue, name, nil, nil)
}

// QueueStatus describes a queue.
func (c *Client) QueueStatus(ctx context.Context, name string) (message.QueueStatus, error) {
	var st message.QueueStatus
	err := c.callJSON(ctx, message.TypeStatusQueue, name, nil, &st)
	return st, err
}

// CreateTempQueue creates a queue owned by this connection and removed when
// it closes. A capacity of zero selects the server default.
func (c *Client) CreateTempQueue(ctx context.Context, capacity int) (string, error) {
	var tq message.TempQueue
	var spec any
	if capacity > 0 {
		spec = message.TempQueueSpec{Capacity: capacity}
	}
	if err := c.callJSON(ctx, message.TypeCreateTempQueue, "", spec, &tq); err != nil {
		return "", err
	}
	return tq.Name, nil
}
