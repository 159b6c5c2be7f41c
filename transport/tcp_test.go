// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCP_SendRecv(t *testing.T) {
	addr := echoServer(t, listenTCP(t))

	tcp := NewTCP(testTimeouts())
	require.NoError(t, tcp.Connect(context.Background(), addr))
	defer tcp.Disconnect()

	assert.ErrorIs(t, tcp.Connect(context.Background(), addr), ErrAlreadyConnected)

	n, err := tcp.Send([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 16)
	require.Eventually(t, func() bool {
		n, err = tcp.Recv(buf)
		return err == nil && n > 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestTCP_RecvBudget(t *testing.T) {
	ln := listenTCP(t)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	tcp := NewTCP(testTimeouts())
	require.NoError(t, tcp.Connect(context.Background(), ln.Addr().String()))
	defer tcp.Disconnect()
	peer := <-accepted

	n, err := tcp.Recv(make([]byte, 8))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrWouldBlock)

	start := time.Now()
	n, err = tcp.Recv(make([]byte, 1))
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Less(t, time.Since(start), testTimeouts().Recv)

	assert.ErrorIs(t, func() error { _, err := tcp.Recv(nil); return err }(), ErrInvalidBuffer)

	require.NoError(t, peer.Close())
	require.Eventually(t, func() bool {
		_, err = tcp.Recv(make([]byte, 8))
		return err != nil && err != ErrWouldBlock
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTCP_RecvDeadline(t *testing.T) {
	ln := listenTCP(t)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			_, _ = io.Copy(io.Discard, conn)
		}
	}()

	timeouts := testTimeouts()
	timeouts.Recv = time.Hour
	tcp := NewTCP(timeouts)
	require.NoError(t, tcp.Connect(context.Background(), ln.Addr().String()))
	defer tcp.Disconnect()

	tcp.SetRecvDeadline(time.Now().Add(20 * time.Millisecond))
	start := time.Now()
	_, err := tcp.Recv(make([]byte, 8))
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Less(t, time.Since(start), time.Second)
}

func TestTCP_NotConnected(t *testing.T) {
	tcp := NewTCP(testTimeouts())

	_, err := tcp.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = tcp.Recv(make([]byte, 1))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, tcp.Disconnect())
	assert.Nil(t, tcp.LocalAddr())
	assert.Nil(t, tcp.RemoteAddr())
}

func TestTCP_ConnectFailure(t *testing.T) {
	ln := listenTCP(t)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	tcp := NewTCP(testTimeouts())
	err := tcp.Connect(context.Background(), addr)
	assert.ErrorIs(t, err, ErrConnect)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tcp.Connect(ctx, addr), ErrConnect)
}

func TestHandle_Disconnect(t *testing.T) {
	addr := echoServer(t, listenTCP(t))

	tcp := NewTCP(testTimeouts())
	require.NoError(t, tcp.Connect(context.Background(), addr))

	var h Handle
	assert.False(t, h.Connected())
	h.Bind(tcp, tcp, nil, nil)
	assert.True(t, h.Connected())
	assert.False(t, h.Secured)
	assert.Same(t, tcp, h.Transport())

	require.NoError(t, h.Disconnect())
	assert.Equal(t, Handle{}, h)

	_, err := tcp.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)

	// A second teardown is a no-op and leaves the handle reset.
	require.NoError(t, h.Disconnect())
	assert.Equal(t, Handle{}, h)
	assert.Nil(t, h.Transport())
}

func TestRecvResult(t *testing.T) {
	timeout := &net.OpError{Op: "read", Err: timeoutErr{}}
	cases := []struct {
		name      string
		n         int
		requested int
		err       error
		wantN     int
		wantErr   error
	}{
		{"data", 3, 8, nil, 3, nil},
		{"timeout no data", 0, 8, timeout, 0, ErrWouldBlock},
		{"timeout probe", 0, 1, timeout, 0, nil},
		{"timeout partial", 2, 8, timeout, 2, nil},
		{"eof", 0, 8, io.EOF, 0, ErrClosed},
		{"eof with data", 4, 8, io.EOF, 4, nil},
		{"closed locally", 0, 8, net.ErrClosed, 0, ErrNotConnected},
		{"other", 0, 8, io.ErrUnexpectedEOF, 0, ErrRecv},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := recvResult(tc.n, tc.requested, tc.err)
			assert.Equal(t, tc.wantN, n)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
