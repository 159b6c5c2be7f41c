// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"bytes"
	"sync"

	"github.com/absmach/fluxlink/storage"
)

var (
	_ storage.Store     = (*Store)(nil)
	_ storage.KeyStore  = (*KeyStore)(nil)
	_ storage.ZoneStore = (*ZoneStore)(nil)
)

// Store is the composite in-memory store.
type Store struct {
	keys  *KeyStore
	zones *ZoneStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		keys:  &KeyStore{data: make(map[uint8]*storage.Key)},
		zones: &ZoneStore{data: make(map[uint8][]byte)},
	}
}

// Keys returns the key slot store.
func (s *Store) Keys() storage.KeyStore {
	return s.keys
}

// Zones returns the zone store.
func (s *Store) Zones() storage.ZoneStore {
	return s.zones
}

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}

// KeyStore is an in-memory implementation of storage.KeyStore.
type KeyStore struct {
	mu   sync.RWMutex
	data map[uint8]*storage.Key
}

// Get retrieves the key held in slot.
func (s *KeyStore) Get(slot uint8) (*storage.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.data[slot]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyKey(key), nil
}

// Create stores key in its slot.
func (s *KeyStore) Create(key *storage.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key.Slot]; ok {
		return storage.ErrAlreadyExists
	}
	s.data[key.Slot] = copyKey(key)
	return nil
}

// Delete erases slot.
func (s *KeyStore) Delete(slot uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.data[slot]; ok {
		clear(key.D)
		delete(s.data, slot)
	}
	return nil
}

func copyKey(k *storage.Key) *storage.Key {
	c := *k
	c.D = bytes.Clone(k.D)
	return &c
}

// ZoneStore is an in-memory implementation of storage.ZoneStore.
type ZoneStore struct {
	mu   sync.RWMutex
	data map[uint8][]byte
}

// Get returns the zone content.
func (s *ZoneStore) Get(zone uint8) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[zone]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return bytes.Clone(data), nil
}

// Save replaces the zone content.
func (s *ZoneStore) Save(zone uint8, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[zone] = bytes.Clone(data)
	return nil
}
