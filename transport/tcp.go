// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

var _ Transport = (*TCP)(nil)

// TCP is the plaintext transport.
type TCP struct {
	timeouts Timeouts
	dialer   net.Dialer
	deadline recvDeadline

	mu   sync.RWMutex
	conn net.Conn
}

// NewTCP creates an unconnected TCP transport.
func NewTCP(timeouts Timeouts) *TCP {
	return &TCP{
		timeouts: timeouts,
		dialer:   net.Dialer{KeepAlive: -1},
	}
}

// Connect dials endpoint (host:port).
func (t *TCP) Connect(ctx context.Context, endpoint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return ErrAlreadyConnected
	}
	conn, err := t.dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	t.conn = conn
	return nil
}

// Disconnect closes the socket. It is a no-op when not connected.
func (t *TCP) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.deadline.set(time.Time{})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Send writes b within the send budget.
func (t *TCP) Send(b []byte) (int, error) {
	conn := t.current()
	if conn == nil {
		return 0, ErrNotConnected
	}
	if len(b) == 0 {
		return 0, nil
	}

	if err := conn.SetWriteDeadline(time.Now().Add(t.timeouts.Send)); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSend, err)
	}
	n, err := conn.Write(b)
	switch {
	case err == nil:
		return n, nil
	case isTimeout(err):
		return n, ErrSendTimeout
	default:
		return n, fmt.Errorf("%w: %w", ErrSend, err)
	}
}

// Recv reads into b within the receive budget.
func (t *TCP) Recv(b []byte) (int, error) {
	conn := t.current()
	if conn == nil {
		return 0, ErrNotConnected
	}
	if len(b) == 0 {
		return 0, ErrInvalidBuffer
	}

	if err := conn.SetReadDeadline(t.deadline.until(t.timeouts.recvBudget(len(b)))); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRecv, err)
	}
	n, err := conn.Read(b)
	return recvResult(n, len(b), err)
}

// SetRecvDeadline bounds subsequent Recv calls. A zero time removes the bound.
func (t *TCP) SetRecvDeadline(at time.Time) {
	t.deadline.set(at)
}

// LocalAddr returns the local socket address or nil.
func (t *TCP) LocalAddr() net.Addr {
	if conn := t.current(); conn != nil {
		return conn.LocalAddr()
	}
	return nil
}

// RemoteAddr returns the peer address or nil.
func (t *TCP) RemoteAddr() net.Addr {
	if conn := t.current(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

func (t *TCP) current() net.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

// recvResult maps a read outcome to the Transport receive contract.
func recvResult(n, requested int, err error) (int, error) {
	switch {
	case err == nil:
		return n, nil
	case isTimeout(err):
		if n > 0 || requested == 1 {
			return n, nil
		}
		return 0, ErrWouldBlock
	case errors.Is(err, io.EOF):
		if n > 0 {
			return n, nil
		}
		return 0, ErrClosed
	case errors.Is(err, net.ErrClosed):
		return n, ErrNotConnected
	default:
		return n, fmt.Errorf("%w: %w", ErrRecv, err)
	}
}
