// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"testing"
	"time"

	"github.com/absmach/fluxlink/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyStore(t *testing.T) {
	s := New()
	defer s.Close()

	_, err := s.Keys().Get(0)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	key := &storage.Key{Slot: 0, Curve: "P-256", D: []byte{1, 2, 3}, CreatedAt: time.Now()}
	require.NoError(t, s.Keys().Create(key))
	assert.ErrorIs(t, s.Keys().Create(key), storage.ErrAlreadyExists)

	got, err := s.Keys().Get(0)
	require.NoError(t, err)
	assert.Equal(t, key.D, got.D)

	// Returned keys are copies.
	got.D[0] = 9
	again, err := s.Keys().Get(0)
	require.NoError(t, err)
	assert.Equal(t, byte(1), again.D[0])

	require.NoError(t, s.Keys().Delete(0))
	require.NoError(t, s.Keys().Delete(0))
	_, err = s.Keys().Get(0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestZoneStore(t *testing.T) {
	s := New()

	_, err := s.Zones().Get(0)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Zones().Save(0, []byte("cert")))
	require.NoError(t, s.Zones().Save(0, []byte("cert2")))

	data, err := s.Zones().Get(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("cert2"), data)
}
