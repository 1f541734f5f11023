// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "sync/atomic"

// State is the lifecycle state of a server-side connection.
type State uint32

// Connection states.
const (
	StateConnecting State = iota
	StateNegotiatingEncryption
	StateAuthenticating
	StateOpen
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateNegotiatingEncryption:
		return "NEGOTIATING_ENCRYPTION"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var transitions = map[State][]State{
	StateConnecting:            {StateNegotiatingEncryption, StateAuthenticating, StateClosing},
	StateNegotiatingEncryption: {StateAuthenticating, StateClosing},
	StateAuthenticating:        {StateOpen, StateClosing},
	StateOpen:                  {StateClosing},
	StateClosing:               {StateClosed},
}

func legal(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateMachine handles atomic state transitions.
type stateMachine struct {
	state atomic.Uint32
}

func (sm *stateMachine) get() State {
	return State(sm.state.Load())
}

// transition moves from the current state to to, failing with a StateError
// if the move is illegal or another goroutine changed the state first.
func (sm *stateMachine) transition(to State) error {
	from := sm.get()
	if !legal(from, to) || !sm.state.CompareAndSwap(uint32(from), uint32(to)) {
		return &StateError{From: from, To: to}
	}
	return nil
}
