// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/fluxlink/storage"
	"github.com/dgraph-io/badger/v4"
)

var (
	_ storage.KeyStore  = (*KeyStore)(nil)
	_ storage.ZoneStore = (*ZoneStore)(nil)
)

func keyKey(slot uint8) []byte {
	return []byte(fmt.Sprintf("key:%03d", slot))
}

func zoneKey(zone uint8) []byte {
	return []byte(fmt.Sprintf("zone:%03d", zone))
}

// KeyStore implements storage.KeyStore using BadgerDB.
type KeyStore struct {
	db *badger.DB
}

// Get retrieves the key held in slot.
func (s *KeyStore) Get(slot uint8) (*storage.Key, error) {
	var key *storage.Key
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyKey(slot))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}

		return item.Value(func(val []byte) error {
			key = &storage.Key{}
			return json.Unmarshal(val, key)
		})
	})
	if err != nil {
		return nil, err
	}

	return key, nil
}

// Create persists key unless its slot is already taken.
func (s *KeyStore) Create(key *storage.Key) error {
	data, err := json.Marshal(key)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(keyKey(key.Slot))
		switch {
		case err == nil:
			return storage.ErrAlreadyExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(keyKey(key.Slot), data)
	})
}

// Delete erases slot.
func (s *KeyStore) Delete(slot uint8) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyKey(slot))
	})
}

// ZoneStore implements storage.ZoneStore using BadgerDB.
type ZoneStore struct {
	db *badger.DB
}

// Get returns the zone content.
func (s *ZoneStore) Get(zone uint8) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(zoneKey(zone))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	return data, nil
}

// Save replaces the zone content.
func (s *ZoneStore) Save(zone uint8, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(zoneKey(zone), data)
	})
}
