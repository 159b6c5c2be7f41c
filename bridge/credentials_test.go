// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/absmach/fluxlink/secelem"
	"github.com/absmach/fluxlink/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCertSize(t *testing.T) {
	cases := []struct {
		name    string
		header  []byte
		want    int
		wantErr bool
	}{
		{name: "short form", header: []byte{0x30, 0x45, 0, 0}, want: 0x45},
		{name: "short form max", header: []byte{0x30, 0x80, 0, 0}, want: 0x80},
		{name: "one byte length", header: []byte{0x30, 0x81, 0xf0, 0}, want: 0xf0 + 3},
		{name: "two byte length", header: []byte{0x30, 0x82, 0x01, 0xa3}, want: 0x01a3 + 4},
		{name: "zero size", header: []byte{0x30, 0x00, 0, 0}, wantErr: true},
		{name: "blank zone", header: []byte{0, 0, 0, 0}, wantErr: true},
		{name: "three byte length", header: []byte{0x30, 0x83, 1, 2}, wantErr: true},
		{name: "truncated 0x82", header: []byte{0x30, 0x82, 1}, wantErr: true},
		{name: "truncated 0x81", header: []byte{0x30, 0x81}, wantErr: true},
		{name: "empty", header: nil, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeCertSize(tc.header)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrCredentials)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeCertSize_AllForms(t *testing.T) {
	for v := 1; v < 0x81; v++ {
		got, err := DecodeCertSize([]byte{0x30, byte(v), 0xff, 0xff})
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	for v := 0; v <= 0xff; v++ {
		got, err := DecodeCertSize([]byte{0x30, 0x81, byte(v), 0xff})
		require.NoError(t, err)
		assert.Equal(t, v+3, got)
	}
	for _, v := range []int{0, 1, 0x80, 0x100, 0x1234, 0xffff} {
		got, err := DecodeCertSize([]byte{0x30, 0x82, byte(v >> 8), byte(v)})
		require.NoError(t, err)
		assert.Equal(t, v+4, got)
	}
}

func TestLoadCredentials(t *testing.T) {
	rootCA := []byte("-----BEGIN CERTIFICATE-----\nroot\n-----END CERTIFICATE-----\n")

	t.Run("assembles leaf and anchor", func(t *testing.T) {
		emu, der := newEmulator(t)
		var set CredentialSet

		require.NoError(t, LoadCredentials(emu, rootCA, nil, &set))
		assert.Equal(t, rootCA, set.RootCA)

		block, rest := pem.Decode(set.ClientChain)
		require.NotNil(t, block)
		assert.Equal(t, "CERTIFICATE", block.Type)
		assert.Equal(t, der, block.Bytes)

		anchor, rest := pem.Decode(rest)
		require.NotNil(t, anchor)
		cert, err := x509.ParseCertificate(anchor.Bytes)
		require.NoError(t, err)
		assert.Equal(t, "STM STSAFE-A PROD CA 01", cert.Subject.CommonName)
		assert.Empty(t, rest)
	})

	t.Run("custom anchor", func(t *testing.T) {
		emu, _ := newEmulator(t)
		var set CredentialSet
		anchor := []byte("anchor")

		require.NoError(t, LoadCredentials(emu, rootCA, anchor, &set))
		assert.Equal(t, anchor, set.ClientChain[len(set.ClientChain)-len(anchor):])
	})

	t.Run("blank certificate zone", func(t *testing.T) {
		emu := secelem.NewEmulator(memory.New())
		var set CredentialSet
		assert.ErrorIs(t, LoadCredentials(emu, rootCA, nil, &set), ErrCredentials)
		assert.Empty(t, set.ClientChain)
	})

	t.Run("missing root CA", func(t *testing.T) {
		emu, _ := newEmulator(t)
		var set CredentialSet
		assert.ErrorIs(t, LoadCredentials(emu, nil, nil, &set), ErrCredentials)
	})

	t.Run("device read failure", func(t *testing.T) {
		var set CredentialSet
		err := LoadCredentials(failingDevice{code: secelem.CodeCommunicationError}, rootCA, nil, &set)
		assert.ErrorIs(t, err, ErrCredentials)
		assert.Equal(t, secelem.CodeCommunicationError, secelem.Code(err))
	})

	t.Run("reload reuses and clears buffers", func(t *testing.T) {
		emu, _ := newEmulator(t)
		var set CredentialSet
		require.NoError(t, LoadCredentials(emu, rootCA, nil, &set))
		first := len(set.ClientChain)

		require.NoError(t, LoadCredentials(emu, rootCA, nil, &set))
		assert.Len(t, set.ClientChain, first)
	})
}

func TestCredentialSet_Reset(t *testing.T) {
	set := CredentialSet{
		RootCA:      []byte("root"),
		ClientChain: []byte("chain"),
	}
	root := set.RootCA
	chain := set.ClientChain

	set.Reset()
	set.Reset()

	assert.Empty(t, set.RootCA)
	assert.Empty(t, set.ClientChain)
	assert.Equal(t, []byte{0, 0, 0, 0}, root)
	assert.Equal(t, []byte{0, 0, 0, 0, 0}, chain)
}
