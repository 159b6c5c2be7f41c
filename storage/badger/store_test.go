// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"testing"
	"time"

	"github.com/absmach/fluxlink/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_New(t *testing.T) {
	store, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	require.NotNil(t, store)
	defer store.Close()

	assert.NotNil(t, store.db)
	assert.NotNil(t, store.Keys())
	assert.NotNil(t, store.Zones())
}

func TestStore_Close(t *testing.T) {
	store, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)

	assert.NoError(t, store.Close())
	// Closing twice is safe.
	assert.NoError(t, store.Close())
}

func TestKeyStore(t *testing.T) {
	store, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()

	keys := store.Keys()

	_, err = keys.Get(1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	key := &storage.Key{
		Slot:      1,
		Curve:     "P-256",
		D:         []byte{0xde, 0xad, 0xbe, 0xef},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, keys.Create(key))
	assert.ErrorIs(t, keys.Create(key), storage.ErrAlreadyExists)

	got, err := keys.Get(1)
	require.NoError(t, err)
	assert.Equal(t, key.D, got.D)
	assert.Equal(t, key.Curve, got.Curve)
	assert.True(t, key.CreatedAt.Equal(got.CreatedAt))

	require.NoError(t, keys.Delete(1))
	_, err = keys.Get(1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestZoneStore_Persistence(t *testing.T) {
	dir := t.TempDir()

	store, err := New(Config{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, store.Zones().Save(0, []byte{0x30, 0x82, 0x01, 0x00}))
	require.NoError(t, store.Close())

	store, err = New(Config{Dir: dir})
	require.NoError(t, err)
	defer store.Close()

	data, err := store.Zones().Get(0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x30, 0x82, 0x01, 0x00}, data)

	_, err = store.Zones().Get(1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
