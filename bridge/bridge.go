// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bridge routes the private-key operations of a TLS handshake to a
// secure element and assembles the device certificate chain from it.
//
// crypto/tls signs through Signer and verifies the broker chain through
// VerifyPeer, but it runs ECDHE itself. KeyAgree is not called during a
// handshake.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxlink/secelem"
)

// Side is the handshake role requesting key agreement.
type Side uint8

// Handshake roles.
const (
	SideClient Side = iota + 1
	SideServer
)

// Bridge errors. All of them are fatal for the handshake in progress.
var (
	ErrUnsupportedSide = errors.New("key agreement is only supported on the client side")
	ErrCoprocessor     = errors.New("coprocessor command failed")
	ErrDecode          = errors.New("malformed key or signature")
	ErrVerification    = errors.New("signature verification failed")
	ErrUnsupportedHash = errors.New("unsupported digest algorithm")
)

// KeyOps is the private-key capability set a handshake delegates.
type KeyOps interface {
	// Sign signs digest with the device identity key and returns an ASN.1
	// ECDSA-Sig-Value.
	Sign(digest []byte) ([]byte, error)

	// KeyAgree generates an ephemeral key pair and derives the shared
	// secret with peer. It returns the uncompressed ephemeral public point
	// and the secret. The TLS handshake does not use it.
	KeyAgree(peer []byte, side Side) (ephemeral, secret []byte, err error)

	// VerifyPeer checks an ASN.1 ECDSA signature over digest made by the
	// holder of peerKey. It returns nil only for a valid signature.
	VerifyPeer(signature, digest, peerKey []byte) error
}

var _ KeyOps = (*SecureElement)(nil)

// SecureElement implements KeyOps with a secure element. No private key
// material is handled outside the device.
type SecureElement struct {
	dev    secelem.Device
	curve  secelem.Curve
	slot   secelem.Slot
	logger *slog.Logger
}

// NewSecureElement returns KeyOps signing with the key in slot.
func NewSecureElement(dev secelem.Device, curve secelem.Curve, slot secelem.Slot, logger *slog.Logger) *SecureElement {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecureElement{
		dev:    dev,
		curve:  curve,
		slot:   slot,
		logger: logger,
	}
}

// Curve returns the curve of the identity and ephemeral keys.
func (se *SecureElement) Curve() secelem.Curve {
	return se.curve
}

// Sign signs digest in the configured slot.
func (se *SecureElement) Sign(digest []byte) ([]byte, error) {
	r, s, err := se.dev.GenerateSignature(se.slot, digest, se.curve)
	if err != nil {
		se.logger.Error("coprocessor signing failed",
			slog.String("slot", se.slot.String()),
			slog.String("code", secelem.Code(err).String()))
		return nil, fmt.Errorf("%w: generate signature: %w", ErrCoprocessor, err)
	}

	sig, err := encodeSignature(r, s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return sig, nil
}

// KeyAgree performs ECDHE in the ephemeral slot. Only the client side is
// supported and any other side fails before the device is used.
func (se *SecureElement) KeyAgree(peer []byte, side Side) ([]byte, []byte, error) {
	if side != SideClient {
		return nil, nil, ErrUnsupportedSide
	}

	x, y, err := se.dev.GenerateKeyPair(secelem.SlotEphemeral, se.curve)
	if err != nil {
		se.logger.Error("coprocessor ephemeral key generation failed", slog.String("code", secelem.Code(err).String()))
		return nil, nil, fmt.Errorf("%w: generate key pair: %w", ErrCoprocessor, err)
	}

	curve, peerX, peerY, err := decodePublicKey(peer)
	if err != nil {
		return nil, nil, err
	}
	if curve != se.curve {
		return nil, nil, fmt.Errorf("%w: peer key on %s, expected %s", ErrDecode, curve, se.curve)
	}

	secret, err := se.dev.EstablishKey(secelem.SlotEphemeral, peerX, peerY)
	if err != nil {
		se.logger.Error("coprocessor key establishment failed", slog.String("code", secelem.Code(err).String()))
		return nil, nil, fmt.Errorf("%w: establish key: %w", ErrCoprocessor, err)
	}

	ephemeral := joinPoint(x, y)
	if _, err := se.curve.ECDH().NewPublicKey(ephemeral); err != nil {
		clear(secret)
		return nil, nil, fmt.Errorf("%w: ephemeral public key: %w", ErrDecode, err)
	}
	return ephemeral, secret, nil
}

// VerifyPeer submits the signature to the device. Any decode or device
// failure rejects.
func (se *SecureElement) VerifyPeer(signature, digest, peerKey []byte) error {
	curve, x, y, err := decodePublicKey(peerKey)
	if err != nil {
		return err
	}
	r, s, err := decodeSignature(signature, curve.Size())
	if err != nil {
		return err
	}

	valid, err := se.dev.VerifySignature(curve, x, y, r, s, digest)
	if err != nil {
		se.logger.Warn("coprocessor signature verification failed", slog.String("code", secelem.Code(err).String()))
		return fmt.Errorf("%w: verify signature: %w", ErrCoprocessor, err)
	}
	if !valid {
		return ErrVerification
	}
	return nil
}
