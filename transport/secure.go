// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

var _ Transport = (*Secure)(nil)

// Secure runs a TLS session over an inner plaintext transport. The inner
// transport carries the handshake and the records through NetConn.
type Secure struct {
	inner     Transport
	handshake Handshaker
	timeouts  Timeouts
	deadline  recvDeadline

	mu      sync.RWMutex
	session TLSSession
}

// NewSecure creates an unconnected secure transport.
func NewSecure(inner Transport, handshake Handshaker, timeouts Timeouts) *Secure {
	return &Secure{
		inner:     inner,
		handshake: handshake,
		timeouts:  timeouts,
	}
}

// Connect connects the inner transport and drives the handshake. On
// failure the inner transport is disconnected.
func (s *Secure) Connect(ctx context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return ErrAlreadyConnected
	}
	if err := s.inner.Connect(ctx, endpoint); err != nil {
		return err
	}

	raw := NewNetConn(s.inner)
	session, err := s.handshake(ctx, raw)
	if err != nil {
		if session != nil {
			_ = session.Close()
		}
		_ = raw.Close()
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	s.session = session
	return nil
}

// Disconnect closes the session and the inner transport.
func (s *Secure) Disconnect() error {
	s.mu.Lock()
	session := s.session
	s.session = nil
	s.mu.Unlock()

	var err error
	if session != nil {
		if cerr := session.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	s.deadline.set(time.Time{})
	return errors.Join(err, s.inner.Disconnect())
}

// Session returns the TLS session or nil.
func (s *Secure) Session() TLSSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Socket returns the inner plaintext transport.
func (s *Secure) Socket() Transport {
	return s.inner
}

// Send encrypts and writes b within the send budget.
func (s *Secure) Send(b []byte) (int, error) {
	session := s.Session()
	if session == nil {
		return 0, ErrNotConnected
	}
	if len(b) == 0 {
		return 0, nil
	}

	if err := session.SetWriteDeadline(time.Now().Add(s.timeouts.Send)); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSend, err)
	}
	n, err := session.Write(b)
	switch {
	case err == nil:
		return n, nil
	case isTimeout(err):
		return n, ErrSendTimeout
	default:
		return n, fmt.Errorf("%w: %w", ErrSend, err)
	}
}

// Recv reads decrypted bytes into b within the receive budget.
func (s *Secure) Recv(b []byte) (int, error) {
	session := s.Session()
	if session == nil {
		return 0, ErrNotConnected
	}
	if len(b) == 0 {
		return 0, ErrInvalidBuffer
	}

	if err := session.SetReadDeadline(s.deadline.until(s.timeouts.recvBudget(len(b)))); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRecv, err)
	}
	n, err := session.Read(b)
	return recvResult(n, len(b), err)
}

// SetRecvDeadline bounds subsequent Recv calls.
func (s *Secure) SetRecvDeadline(at time.Time) {
	s.deadline.set(at)
}

// LocalAddr returns the local socket address or nil.
func (s *Secure) LocalAddr() net.Addr {
	if session := s.Session(); session != nil {
		return session.LocalAddr()
	}
	return nil
}

// RemoteAddr returns the peer address or nil.
func (s *Secure) RemoteAddr() net.Addr {
	if session := s.Session(); session != nil {
		return session.RemoteAddr()
	}
	return nil
}
