// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"

	"github.com/absmach/fluxipc/message"
)

// Client errors.
var (
	// Connection errors.
	ErrNotConnected   = errors.New("client not connected")
	ErrConnectionLost = errors.New("connection lost")
	ErrClientClosed   = errors.New("client has been closed")
	ErrHandshake      = errors.New("handshake failed")
	ErrEncryption     = errors.New("encryption negotiation failed")
	ErrAuthentication = errors.New("authentication failed")

	// Operation errors.
	ErrTimeout         = errors.New("operation timed out")
	ErrMaxInflight     = errors.New("maximum inflight requests exceeded")
	ErrMessageTooLarge = errors.New("message exceeds the maximum size")
	ErrNoHandler       = errors.New("subscription handler is required")
)

// ConfigError reports invalid client options.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid client option %s: %s", e.Field, e.Reason)
}

// StatusError is returned when the server answers with a status other than OK.
type StatusError struct {
	Status message.Status
	Text   string
}

func (e *StatusError) Error() string {
	if e.Text == "" {
		return "server responded " + e.Status.String()
	}
	return fmt.Sprintf("server responded %s: %s", e.Status, e.Text)
}

// IsStatus reports whether err is a StatusError carrying s.
func IsStatus(err error, s message.Status) bool {
	var serr *StatusError
	return errors.As(err, &serr) && serr.Status == s
}

// StateError is returned when an operation is invalid in the current state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s client in state %s", e.Op, e.State)
}

func statusError(resp *message.Message) error {
	if resp.Status() == message.StatusOK {
		return nil
	}
	return &StatusError{Status: resp.Status(), Text: resp.Text()}
}
