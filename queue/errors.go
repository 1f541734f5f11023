// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "errors"

var (
	ErrQueueNotFound   = errors.New("queue not found")
	ErrQueueFull       = errors.New("queue full")
	ErrQueueEmpty      = errors.New("queue empty")
	ErrMaxQueues       = errors.New("maximum number of queues reached")
	ErrInvalidConfig   = errors.New("invalid queue configuration")
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrDurability reports that a durable queue could not journal an
	// operation. The operation did not take effect.
	ErrDurability = errors.New("queue durability failure")
)
