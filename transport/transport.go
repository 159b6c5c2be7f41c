// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the byte stream the protocol engine runs over.
// Plaintext TCP, TLS and WebSocket variants share the Transport interface.
package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

// Transport errors.
var (
	ErrNotConnected     = errors.New("transport not connected")
	ErrAlreadyConnected = errors.New("transport already connected")
	ErrConnect          = errors.New("transport connect failed")
	ErrHandshake        = errors.New("secure handshake failed")
	ErrWouldBlock       = errors.New("no data available")
	ErrSend             = errors.New("send failed")
	ErrSendTimeout      = errors.New("send timed out")
	ErrRecv             = errors.New("receive failed")
	ErrClosed           = errors.New("connection closed by peer")
	ErrInvalidBuffer    = errors.New("invalid buffer")
)

// Transport is a connected byte stream.
//
// Recv never blocks longer than the receive budget. When nothing arrived in
// that window it returns ErrWouldBlock, except for a single byte probe read
// which returns (0, nil) so callers can test for an idle socket. Send fails
// with ErrSendTimeout when the send budget elapses.
type Transport interface {
	Connect(ctx context.Context, endpoint string) error
	Disconnect() error
	Send(b []byte) (int, error)
	Recv(b []byte) (int, error)
}

// Handshaker secures a connected stream, returning the TLS session.
type Handshaker func(ctx context.Context, conn net.Conn) (TLSSession, error)

// TLSSession is the part of *tls.Conn the transports rely on.
type TLSSession interface {
	net.Conn
	HandshakeContext(ctx context.Context) error
}

// Timeouts holds the inactivity budgets of a transport.
type Timeouts struct {
	Send  time.Duration
	Recv  time.Duration
	Probe time.Duration
}

// DefaultTimeouts returns the device defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Send:  20 * time.Second,
		Recv:  time.Second,
		Probe: 10 * time.Millisecond,
	}
}

func (t Timeouts) recvBudget(n int) time.Duration {
	if n == 1 {
		return t.Probe
	}
	return t.Recv
}

// recvDeadliner is implemented by transports that accept an absolute bound
// on the next Recv calls in addition to their own budget.
type recvDeadliner interface {
	SetRecvDeadline(t time.Time)
}

type recvDeadline struct {
	mu sync.Mutex
	at time.Time
}

func (d *recvDeadline) set(t time.Time) {
	d.mu.Lock()
	d.at = t
	d.mu.Unlock()
}

// until returns the earlier of now+budget and the configured deadline.
func (d *recvDeadline) until(budget time.Duration) time.Time {
	dl := time.Now().Add(budget)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.at.IsZero() && d.at.Before(dl) {
		return d.at
	}
	return dl
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
