// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package secelem

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/absmach/fluxlink/storage"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

const (
	// ZoneCount is the number of data partition zones.
	ZoneCount = 8
	// ZoneSize is the capacity of every zone in bytes.
	ZoneSize = 2048
	// CertificateZone holds the DER encoded device certificate.
	CertificateZone uint8 = 0
)

var _ Device = (*Emulator)(nil)

// Emulator is a software secure element backed by a storage.Store. Private
// keys never leave it through the Device interface.
type Emulator struct {
	mu        sync.Mutex
	store     storage.Store
	rand      io.Reader
	ephemeral *ecdh.PrivateKey
	logger    *slog.Logger
}

// EmulatorOption configures an Emulator.
type EmulatorOption func(*Emulator)

// WithRand sets the entropy source.
func WithRand(r io.Reader) EmulatorOption {
	return func(e *Emulator) { e.rand = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EmulatorOption {
	return func(e *Emulator) { e.logger = l }
}

// NewEmulator creates an emulator over store.
func NewEmulator(store storage.Store, opts ...EmulatorOption) *Emulator {
	e := &Emulator{
		store:  store,
		rand:   rand.Reader,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Read returns length bytes of zone starting at offset. Never written bytes
// read as zero.
func (e *Emulator) Read(zone uint8, offset, length uint16) ([]byte, error) {
	if zone >= ZoneCount || int(offset)+int(length) > ZoneSize || length == 0 {
		return nil, CodeInvalidParameter
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := e.zone(zone)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(data[offset : int(offset)+int(length)]), nil
}

// Update writes data into zone at offset.
func (e *Emulator) Update(zone uint8, offset uint16, data []byte) error {
	if zone >= ZoneCount || int(offset)+len(data) > ZoneSize {
		return CodeInvalidParameter
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur, err := e.zone(zone)
	if err != nil {
		return err
	}
	copy(cur[offset:], data)
	if err := e.store.Zones().Save(zone, cur); err != nil {
		e.logger.Error("secure element zone write failed", slog.Int("zone", int(zone)), slog.String("error", err.Error()))
		return CodeCommunicationError
	}
	return nil
}

func (e *Emulator) zone(zone uint8) ([]byte, error) {
	data, err := e.store.Zones().Get(zone)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return make([]byte, ZoneSize), nil
	case err != nil:
		e.logger.Error("secure element zone read failed", slog.Int("zone", int(zone)), slog.String("error", err.Error()))
		return nil, CodeCommunicationError
	}
	if len(data) < ZoneSize {
		data = append(data, make([]byte, ZoneSize-len(data))...)
	}
	return data, nil
}

// Echo returns data unchanged.
func (e *Emulator) Echo(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data) > ZoneSize {
		return nil, CodeInvalidParameter
	}
	return bytes.Clone(data), nil
}

// GenerateKeyPair creates a key in the ephemeral or user slot. The sign
// slot is write-protected; use Provision.
func (e *Emulator) GenerateKeyPair(slot Slot, curve Curve) ([]byte, []byte, error) {
	c := curve.ECDH()
	if c == nil {
		return nil, nil, CodeInvalidParameter
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch slot {
	case SlotEphemeral:
		priv, err := c.GenerateKey(e.rand)
		if err != nil {
			return nil, nil, CodeUnexpectedError
		}
		e.ephemeral = priv
		x, y := splitPoint(priv.PublicKey().Bytes())
		return x, y, nil
	case SlotUser:
		if err := e.store.Keys().Delete(uint8(slot)); err != nil {
			return nil, nil, CodeCommunicationError
		}
		priv, err := e.createKey(slot, curve)
		if err != nil {
			return nil, nil, err
		}
		x, y := splitPoint(priv.PublicKey().Bytes())
		return x, y, nil
	default:
		return nil, nil, CodeAccessDenied
	}
}

// EstablishKey derives a shared secret with the key in slot. The ephemeral
// key is erased afterwards whatever the outcome.
func (e *Emulator) EstablishKey(slot Slot, peerX, peerY []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var priv *ecdh.PrivateKey
	switch slot {
	case SlotEphemeral:
		priv = e.ephemeral
		e.ephemeral = nil
		if priv == nil {
			return nil, CodeKeyNotFound
		}
	case SlotUser:
		k, _, err := e.loadKey(slot)
		if err != nil {
			return nil, err
		}
		priv = k
	default:
		return nil, CodeAccessDenied
	}

	pub, err := priv.Curve().NewPublicKey(joinPoint(peerX, peerY))
	if err != nil {
		return nil, CodeInvalidParameter
	}
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, CodeInvalidParameter
	}
	return secret, nil
}

// VerifySignature checks an (r, s) signature over digest with the given
// public key.
func (e *Emulator) VerifySignature(curve Curve, pubX, pubY, r, s, digest []byte) (bool, error) {
	size := curve.Size()
	if size == 0 || len(pubX) != size || len(pubY) != size ||
		len(r) == 0 || len(r) > size || len(s) == 0 || len(s) > size || len(digest) == 0 {
		return false, CodeInvalidParameter
	}
	// Rejects points that are not on the curve.
	if _, err := curve.ECDH().NewPublicKey(joinPoint(pubX, pubY)); err != nil {
		return false, CodeInvalidParameter
	}

	pub := &ecdsa.PublicKey{
		Curve: curve.Elliptic(),
		X:     new(big.Int).SetBytes(pubX),
		Y:     new(big.Int).SetBytes(pubY),
	}
	return ecdsa.Verify(pub, digest, new(big.Int).SetBytes(r), new(big.Int).SetBytes(s)), nil
}

// GenerateSignature signs digest with the key in slot. The digest length
// must match the curve size.
func (e *Emulator) GenerateSignature(slot Slot, digest []byte, curve Curve) ([]byte, []byte, error) {
	if len(digest) != curve.Size() {
		return nil, nil, CodeInvalidParameter
	}
	if slot == SlotEphemeral {
		return nil, nil, CodeAccessDenied
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	priv, keyCurve, err := e.loadKey(slot)
	if err != nil {
		return nil, nil, err
	}
	if keyCurve != curve {
		return nil, nil, CodeInconsistentData
	}

	key, err := ecdsaKey(curve, priv)
	if err != nil {
		return nil, nil, CodeUnexpectedError
	}
	rb, sb, err := ecdsa.Sign(e.rand, key, digest)
	if err != nil {
		return nil, nil, CodeUnexpectedError
	}
	return rb.FillBytes(make([]byte, curve.Size())), sb.FillBytes(make([]byte, curve.Size())), nil
}

// Provision creates the key in slot if the slot is empty. It is the factory
// personalization step and is not part of the Device interface.
func (e *Emulator) Provision(slot Slot, curve Curve) error {
	if slot == SlotEphemeral || curve.ECDH() == nil {
		return CodeInvalidParameter
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	_, _, err := e.loadKey(slot)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, CodeKeyNotFound):
		return err
	}

	if _, err := e.createKey(slot, curve); err != nil {
		return err
	}
	e.logger.Info("secure element slot provisioned", slog.String("slot", slot.String()), slog.String("curve", curve.String()))
	return nil
}

// PublicKey returns the public half of the key in slot.
func (e *Emulator) PublicKey(slot Slot) (*ecdsa.PublicKey, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	priv, curve, err := e.loadKey(slot)
	if err != nil {
		return nil, err
	}
	key, err := ecdsaKey(curve, priv)
	if err != nil {
		return nil, CodeUnexpectedError
	}
	return &key.PublicKey, nil
}

// EnsureIdentity provisions the sign slot and, when the certificate zone is
// blank, writes a self-signed device certificate for commonName into it. It
// returns the DER certificate held by the device.
func (e *Emulator) EnsureIdentity(commonName string, curve Curve, validity time.Duration) ([]byte, error) {
	if err := e.Provision(SlotSign, curve); err != nil {
		return nil, fmt.Errorf("provision sign slot: %w", err)
	}

	e.mu.Lock()
	zone, err := e.zone(CertificateZone)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	// Zone padding follows the certificate, so only the leading element is parsed.
	in := cryptobyte.String(zone)
	var elem cryptobyte.String
	if in.ReadASN1Element(&elem, asn1.SEQUENCE) {
		if cert, err := x509.ParseCertificate(elem); err == nil {
			return cert.Raw, nil
		}
	}

	e.mu.Lock()
	priv, _, err := e.loadKey(SlotSign)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	key, err := ecdsaKey(curve, priv)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(e.rand, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(e.rand, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create device certificate: %w", err)
	}
	if len(der) > ZoneSize {
		return nil, CodeInvalidParameter
	}
	if err := e.Update(CertificateZone, 0, der); err != nil {
		return nil, err
	}
	e.logger.Info("secure element certificate provisioned", slog.String("common_name", commonName), slog.Int("size", len(der)))
	return der, nil
}

func (e *Emulator) createKey(slot Slot, curve Curve) (*ecdh.PrivateKey, error) {
	priv, err := curve.ECDH().GenerateKey(e.rand)
	if err != nil {
		return nil, CodeUnexpectedError
	}
	key := &storage.Key{
		Slot:      uint8(slot),
		Curve:     curve.String(),
		D:         priv.Bytes(),
		CreatedAt: time.Now(),
	}
	switch err := e.store.Keys().Create(key); {
	case errors.Is(err, storage.ErrAlreadyExists):
		return nil, CodeKeyAlreadyProvisioned
	case err != nil:
		return nil, CodeCommunicationError
	}
	return priv, nil
}

func (e *Emulator) loadKey(slot Slot) (*ecdh.PrivateKey, Curve, error) {
	key, err := e.store.Keys().Get(uint8(slot))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, 0, CodeKeyNotFound
	case err != nil:
		return nil, 0, CodeCommunicationError
	}
	curve, err := ParseCurve(key.Curve)
	if err != nil {
		return nil, 0, CodeInconsistentData
	}
	priv, err := curve.ECDH().NewPrivateKey(key.D)
	if err != nil {
		return nil, 0, CodeInconsistentData
	}
	return priv, curve, nil
}

func ecdsaKey(curve Curve, priv *ecdh.PrivateKey) (*ecdsa.PrivateKey, error) {
	x, y := splitPoint(priv.PublicKey().Bytes())
	if x == nil {
		return nil, CodeInconsistentData
	}
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: curve.Elliptic(),
			X:     new(big.Int).SetBytes(x),
			Y:     new(big.Int).SetBytes(y),
		},
		D: new(big.Int).SetBytes(priv.Bytes()),
	}, nil
}

// splitPoint splits an uncompressed point into its coordinates.
func splitPoint(p []byte) ([]byte, []byte) {
	if len(p) < 3 || p[0] != 0x04 || (len(p)-1)%2 != 0 {
		return nil, nil
	}
	n := (len(p) - 1) / 2
	return bytes.Clone(p[1 : 1+n]), bytes.Clone(p[1+n:])
}

func joinPoint(x, y []byte) []byte {
	p := make([]byte, 0, 1+len(x)+len(y))
	p = append(p, 0x04)
	p = append(p, x...)
	return append(p, y...)
}
