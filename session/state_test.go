// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"
	"testing"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateSecuringTransport, "securing transport"},
		{StateConnected, "connected"},
		{StateResubscribing, "resubscribing"},
		{StateFaulted, "faulted"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		got := tt.state.String()
		if got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestStateManager(t *testing.T) {
	sm := newStateManager()

	if sm.get() != StateDisconnected {
		t.Errorf("initial state should be Disconnected, got %v", sm.get())
	}

	sm.set(StateConnected)
	if !sm.isConnected() {
		t.Errorf("state should be Connected after set, got %v", sm.get())
	}
}

func TestStateTransition(t *testing.T) {
	sm := newStateManager()
	sm.set(StateResubscribing)

	if !sm.transition(StateResubscribing, StateConnected) {
		t.Error("transition Resubscribing -> Connected should succeed")
	}

	// A resubscribe completing after a new fault must not revive the session.
	sm.set(StateFaulted)
	if sm.transition(StateResubscribing, StateConnected) {
		t.Error("transition from wrong state should fail")
	}
	if sm.get() != StateFaulted {
		t.Errorf("state should still be Faulted, got %v", sm.get())
	}
}

func TestStateConcurrency(t *testing.T) {
	sm := newStateManager()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				sm.set(StateConnected)
			} else {
				sm.transition(StateConnected, StateFaulted)
			}
			sm.get()
			sm.isConnected()
		}(i)
	}

	wg.Wait()
}
