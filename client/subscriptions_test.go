// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionTable_SetGet(t *testing.T) {
	tbl := NewSubscriptionTable(3)

	var calls []string
	h1 := func(*Message) { calls = append(calls, "h1") }
	h2 := func(*Message) { calls = append(calls, "h2") }

	require.NoError(t, tbl.Set(Subscription{Filter: "a/#", QoS: 1, Handler: h1}))
	require.NoError(t, tbl.Set(Subscription{Filter: "b/+", QoS: 0, Handler: h1}))
	assert.Equal(t, 2, tbl.Len())

	// Last write wins, in place.
	require.NoError(t, tbl.Set(Subscription{Filter: "a/#", QoS: 0, Handler: h2}))
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, []string{"a/#", "b/+"}, tbl.Filters())

	sub, ok := tbl.Get("a/#")
	require.True(t, ok)
	assert.Equal(t, byte(0), sub.QoS)
	sub.Handler(nil)
	assert.Equal(t, []string{"h2"}, calls)

	_, ok = tbl.Get("c")
	assert.False(t, ok)
	_, ok = tbl.Get("")
	assert.False(t, ok)

	assert.ErrorIs(t, tbl.Set(Subscription{}), ErrEmptyFilter)
}

func TestSubscriptionTable_Capacity(t *testing.T) {
	tbl := NewSubscriptionTable(2)
	require.NoError(t, tbl.Set(Subscription{Filter: "a"}))
	require.NoError(t, tbl.Set(Subscription{Filter: "b"}))
	assert.Equal(t, 0, tbl.Free())

	assert.ErrorIs(t, tbl.Set(Subscription{Filter: "c"}), ErrTableFull)
	// Replacing an existing filter needs no free slot.
	assert.NoError(t, tbl.Set(Subscription{Filter: "b", QoS: 1}))

	assert.Equal(t, 1, tbl.missing([]Subscription{{Filter: "a"}, {Filter: "c"}, {Filter: "c"}}))
}

func TestSubscriptionTable_RemoveKeepsSlotOrder(t *testing.T) {
	tbl := NewSubscriptionTable(4)
	for _, f := range []string{"a", "b", "c"} {
		require.NoError(t, tbl.Set(Subscription{Filter: f}))
	}

	assert.Equal(t, 1, tbl.Remove("b", "missing", ""))
	assert.Equal(t, []string{"a", "c"}, tbl.Filters())
	assert.Equal(t, 2, tbl.Len())

	// A new record takes the first empty slot.
	require.NoError(t, tbl.Set(Subscription{Filter: "d"}))
	assert.Equal(t, []string{"a", "d", "c"}, tbl.Filters())

	snap := tbl.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "d", snap[1].Filter)
	assert.Equal(t, 4, tbl.Cap())
}

func TestSubscriptionTable_PruneFailedResubscribe(t *testing.T) {
	tbl := NewSubscriptionTable(10)
	var got string
	cb1 := func(*Message) { got = "cb1" }
	cb2 := func(*Message) { got = "cb2" }
	require.NoError(t, tbl.Set(Subscription{Filter: "a/#", Handler: cb1}))
	require.NoError(t, tbl.Set(Subscription{Filter: "b/+", Handler: cb2}))

	res := Result{Status: StatusSubscribeFailed, ReturnCodes: []byte{SubAckFailure, 1}}
	for i, s := range tbl.Snapshot() {
		if res.Failed(i) {
			tbl.Remove(s.Filter)
		}
	}

	assert.Equal(t, []string{"b/+"}, tbl.Filters())
	sub, ok := tbl.Get("b/+")
	require.True(t, ok)
	sub.Handler(nil)
	assert.Equal(t, "cb2", got)
}
