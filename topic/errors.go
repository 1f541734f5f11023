// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topic

import "errors"

var (
	ErrTopicNotFound      = errors.New("topic not found")
	ErrMaxTopics          = errors.New("maximum number of topics reached")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrInvalidPolicy      = errors.New("invalid delivery policy")
)
