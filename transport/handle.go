// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"

	"github.com/absmach/fluxlink/secelem"
)

// Handle owns the transports of one connection attempt.
type Handle struct {
	// Socket is the plaintext transport under the connection.
	Socket Transport
	// Secured reports whether a TLS session runs over Socket.
	Secured bool
	// Session is the TLS session when Secured.
	Session TLSSession
	// Device is the secure element backing the session keys.
	Device secelem.Device

	active Transport
}

// Bind records an established connection. active is the transport the
// protocol engine uses.
func (h *Handle) Bind(active, socket Transport, session TLSSession, dev secelem.Device) {
	h.active = active
	h.Socket = socket
	h.Session = session
	h.Secured = session != nil
	h.Device = dev
}

// Transport returns the active transport or nil.
func (h *Handle) Transport() Transport {
	return h.active
}

// Connected reports whether a transport is bound.
func (h *Handle) Connected() bool {
	return h.active != nil
}

// Disconnect closes the bound transports and resets the handle. It is safe
// to call on a handle that is already torn down.
func (h *Handle) Disconnect() error {
	var err error
	if h.active != nil {
		err = h.active.Disconnect()
	}
	if h.Socket != nil && h.Socket != h.active {
		err = errors.Join(err, h.Socket.Disconnect())
	}
	h.Reset()
	return err
}

// Reset clears every field without closing anything.
func (h *Handle) Reset() {
	*h = Handle{}
}
