// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import "errors"

var (
	ErrInvalidName    = errors.New("invalid name")
	ErrInvalidType    = errors.New("invalid message type")
	ErrInvalidStatus  = errors.New("invalid response status")
	ErrInvalidCharset = errors.New("charset requires a textual payload")
)
