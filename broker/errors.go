// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
)

var (
	ErrHandshake      = errors.New("handshake failed")
	ErrEncryption     = errors.New("encryption negotiation failed")
	ErrAuthentication = errors.New("authentication failed")
	ErrDraining       = errors.New("broker is draining")
)

// StateError reports an illegal connection state transition.
type StateError struct {
	From State
	To   State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("illegal connection state transition %s -> %s", e.From, e.To)
}
