// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the persistent state of a secure element: private keys bound to
// slots and the data partition zones.
type Store interface {
	// Keys returns the key slot store.
	Keys() KeyStore

	// Zones returns the data partition store.
	Zones() ZoneStore

	// Close closes all storage backends.
	Close() error
}

// Key is a private key held in a slot.
type Key struct {
	CreatedAt time.Time `json:"created_at"`
	Curve     string    `json:"curve"`
	// D is the big-endian private scalar, padded to the curve size.
	D    []byte `json:"d"`
	Slot uint8  `json:"slot"`
}

// KeyStore persists slot keys.
type KeyStore interface {
	// Get returns the key in a slot or ErrNotFound.
	Get(slot uint8) (*Key, error)

	// Create stores a key, failing with ErrAlreadyExists when the slot is taken.
	Create(key *Key) error

	// Delete erases a slot. Deleting an empty slot is not an error.
	Delete(slot uint8) error
}

// ZoneStore persists data partition zones.
type ZoneStore interface {
	// Get returns the zone content or ErrNotFound.
	Get(zone uint8) ([]byte, error)

	// Save replaces the zone content.
	Save(zone uint8, data []byte) error
}
