// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var _ net.Conn = (*NetConn)(nil)

// NetConn presents a Transport as a blocking net.Conn. Reads retry until
// data arrives, the read deadline passes or the conn is closed. Closing the
// conn disconnects the transport.
type NetConn struct {
	t       Transport
	closed  atomic.Bool
	maxRead int

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

// NewNetConn wraps t.
func NewNetConn(t Transport) *NetConn {
	return &NetConn{t: t}
}

// SetMaxRead bounds the bytes taken from the transport by one Read to the
// size of the device network buffer. Zero removes the bound.
func (c *NetConn) SetMaxRead(n int) {
	c.maxRead = n
}

// Read blocks until at least one byte is read.
func (c *NetConn) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if c.maxRead > 0 && len(b) > c.maxRead {
		b = b[:c.maxRead]
	}
	for {
		if c.closed.Load() {
			return 0, net.ErrClosed
		}
		dl := c.deadline(true)
		if !dl.IsZero() && !time.Now().Before(dl) {
			return 0, os.ErrDeadlineExceeded
		}
		if d, ok := c.t.(recvDeadliner); ok {
			d.SetRecvDeadline(dl)
		}

		n, err := c.t.Recv(b)
		switch {
		case n > 0:
			return n, nil
		case err == nil, errors.Is(err, ErrWouldBlock):
			continue
		case errors.Is(err, ErrClosed):
			return 0, io.EOF
		case errors.Is(err, ErrNotConnected):
			return 0, net.ErrClosed
		default:
			return 0, err
		}
	}
}

// Write sends all of b.
func (c *NetConn) Write(b []byte) (int, error) {
	total := 0
	for total < len(b) {
		if c.closed.Load() {
			return total, net.ErrClosed
		}
		if dl := c.deadline(false); !dl.IsZero() && !time.Now().Before(dl) {
			return total, os.ErrDeadlineExceeded
		}

		n, err := c.t.Send(b[total:])
		total += n
		switch {
		case err == nil:
		case errors.Is(err, ErrSendTimeout):
			return total, os.ErrDeadlineExceeded
		case errors.Is(err, ErrNotConnected):
			return total, net.ErrClosed
		default:
			return total, err
		}
	}
	return total, nil
}

// Close disconnects the transport once.
func (c *NetConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.t.Disconnect()
}

// LocalAddr returns the transport local address when it exposes one.
func (c *NetConn) LocalAddr() net.Addr {
	if a, ok := c.t.(interface{ LocalAddr() net.Addr }); ok {
		if addr := a.LocalAddr(); addr != nil {
			return addr
		}
	}
	return transportAddr{}
}

// RemoteAddr returns the transport peer address when it exposes one.
func (c *NetConn) RemoteAddr() net.Addr {
	if a, ok := c.t.(interface{ RemoteAddr() net.Addr }); ok {
		if addr := a.RemoteAddr(); addr != nil {
			return addr
		}
	}
	return transportAddr{}
}

// SetDeadline sets both deadlines.
func (c *NetConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	c.writeDeadline = t
	return nil
}

// SetReadDeadline sets the read deadline.
func (c *NetConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	return nil
}

// SetWriteDeadline sets the write deadline.
func (c *NetConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline = t
	return nil
}

func (c *NetConn) deadline(read bool) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if read {
		return c.readDeadline
	}
	return c.writeDeadline
}

type transportAddr struct{}

func (transportAddr) Network() string { return "transport" }
func (transportAddr) String() string  { return "transport" }
