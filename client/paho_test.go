// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/fluxlink/testutil"
	"github.com/absmach/fluxlink/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

func dialBroker(t *testing.T, b *testutil.Broker) *transport.TCP {
	t.Helper()
	tcp := transport.NewTCP(transport.Timeouts{
		Send:  time.Second,
		Recv:  50 * time.Millisecond,
		Probe: 10 * time.Millisecond,
	})
	require.NoError(t, tcp.Connect(context.Background(), b.Addr))
	t.Cleanup(func() { tcp.Disconnect() })
	return tcp
}

func newPahoAgent(t *testing.T) *Agent {
	t.Helper()
	opts := NewOptions().SetClientID("paho-test").SetCommandTimeout(waitFor)
	a, err := NewAgent(NewPahoEngine(opts), opts)
	require.NoError(t, err)
	return a
}

func TestPahoEngine_SessionFlow(t *testing.T) {
	b := testutil.NewBroker(t, nil)
	b.FailFilters("a/#")
	a := newPahoAgent(t)

	present, err := a.Connect(context.Background(), dialBroker(t, b), true)
	require.NoError(t, err)
	assert.False(t, present)
	c := b.WaitConnect(waitFor)
	assert.Equal(t, "paho-test", c.ClientID)
	assert.True(t, c.CleanSession)

	done := runLoop(a)
	rec := newRecorder()
	got := make(chan *Message, 4)
	subs := []Subscription{
		{Filter: "a/#", QoS: 1, Handler: func(m *Message) { got <- m }},
		{Filter: "b/+", QoS: 1, Handler: func(m *Message) { got <- m }},
	}
	require.NoError(t, a.Subscribe(subs, rec.callback, time.Second))

	res := rec.next(t).res
	assert.Equal(t, StatusSubscribeFailed, res.Status)
	assert.Equal(t, []byte{SubAckFailure, 1}, res.ReturnCodes)
	assert.ElementsMatch(t, []string{"a/#", "b/+"}, b.WaitSubscribe(waitFor).Filters)

	b.Deliver("zzz", []byte("unsolicited"))
	b.Deliver("b/x", []byte("hello"))
	select {
	case m := <-got:
		assert.Equal(t, "b/x", m.Topic)
		assert.Equal(t, "b/+", m.Filter)
		assert.Equal(t, "hello", string(m.Payload))
	case <-time.After(waitFor):
		t.Fatal("message not dispatched")
	}

	require.NoError(t, a.Submit(NewPublish(NewMessage("v1/devices/me/telemetry", []byte(`{"ticks":1}`), 1, false), rec.callback, "pub"), time.Second))
	pub := rec.next(t)
	assert.Equal(t, "pub", pub.ctx)
	assert.Equal(t, StatusSuccess, pub.res.Status)
	m := b.WaitPublish(waitFor)
	assert.Equal(t, "v1/devices/me/telemetry", m.Topic)
	assert.Equal(t, byte(1), m.QoS)

	require.NoError(t, a.Disconnect(time.Second))
	require.NoError(t, waitLoop(t, done))
	select {
	case <-b.Disconnects():
	case <-time.After(waitFor):
		t.Fatal("no DISCONNECT")
	}
	assert.Empty(t, got)
}

func TestPahoEngine_ConnectRefused(t *testing.T) {
	b := testutil.NewBroker(t, nil)
	b.SetReturnCode(byte(ConnRefusedNotAuth))
	a := newPahoAgent(t)

	_, err := a.Connect(context.Background(), dialBroker(t, b), true)
	assert.ErrorIs(t, err, StatusServerRefused)
	assert.ErrorIs(t, err, ConnRefusedNotAuth)
	assert.False(t, a.Connected())
}

func TestPahoEngine_SessionPresent(t *testing.T) {
	b := testutil.NewBroker(t, nil)
	b.SetSessionPresent(true)
	a := newPahoAgent(t)

	present, err := a.Connect(context.Background(), dialBroker(t, b), false)
	require.NoError(t, err)
	assert.True(t, present)
	assert.False(t, b.WaitConnect(waitFor).CleanSession)
}

func TestPahoEngine_ConnectionLost(t *testing.T) {
	b := testutil.NewBroker(t, nil)
	a := newPahoAgent(t)

	_, err := a.Connect(context.Background(), dialBroker(t, b), true)
	require.NoError(t, err)
	done := runLoop(a)
	require.Eventually(t, func() bool { return b.Connections() == 1 }, waitFor, time.Millisecond)

	b.DropConnections()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionLost)
		assert.Equal(t, StatusRecvFailed, StatusOf(err))
	case <-time.After(waitFor):
		t.Fatal("loss not reported")
	}
	assert.False(t, a.Connected())
}

func TestPahoEngine_KeepAliveTimeout(t *testing.T) {
	b := testutil.NewBroker(t, nil)
	b.IgnorePings(true)
	opts := NewOptions().
		SetClientID("keepalive-test").
		SetKeepAlive(time.Second, 300*time.Millisecond).
		SetCommandTimeout(waitFor)
	a, err := NewAgent(NewPahoEngine(opts), opts)
	require.NoError(t, err)

	_, err = a.Connect(context.Background(), dialBroker(t, b), true)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), b.WaitConnect(waitFor).KeepAlive)
	done := runLoop(a)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionLost)
		assert.Equal(t, StatusKeepAliveTimeout, StatusOf(err))
	case <-time.After(3 * waitFor):
		t.Fatal("missed PINGRESP not reported")
	}
}
