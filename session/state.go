// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import "sync/atomic"

// State represents the session lifecycle state.
type State uint32

// Session states.
const (
	StateDisconnected State = iota
	StateSecuringTransport
	StateConnected
	StateResubscribing
	StateFaulted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSecuringTransport:
		return "securing transport"
	case StateConnected:
		return "connected"
	case StateResubscribing:
		return "resubscribing"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state uint32
}

func newStateManager() *stateManager {
	return &stateManager{state: uint32(StateDisconnected)}
}

// get returns the current state.
func (sm *stateManager) get() State {
	return State(atomic.LoadUint32(&sm.state))
}

// set unconditionally sets the state.
func (sm *stateManager) set(s State) {
	atomic.StoreUint32(&sm.state, uint32(s))
}

// transition attempts to transition from expected to new state.
// Returns true if successful.
func (sm *stateManager) transition(from, to State) bool {
	return atomic.CompareAndSwapUint32(&sm.state, uint32(from), uint32(to))
}

// isConnected reports whether application traffic may flow.
func (sm *stateManager) isConnected() bool {
	return sm.get() == StateConnected
}
