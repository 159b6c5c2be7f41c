// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/absmach/fluxlink/secelem"
)

var _ KeyOps = (*Software)(nil)

// Software implements KeyOps with an in-process key. It is meant for hosts
// without a secure element and for tests.
type Software struct {
	key   *ecdsa.PrivateKey
	curve secelem.Curve
	rand  io.Reader
}

// NewSoftware wraps key.
func NewSoftware(key *ecdsa.PrivateKey) (*Software, error) {
	curve, err := secelem.CurveOf(key.Curve)
	if err != nil {
		return nil, err
	}
	return &Software{key: key, curve: curve, rand: rand.Reader}, nil
}

// Sign signs digest with the wrapped key.
func (sw *Software) Sign(digest []byte) ([]byte, error) {
	if len(digest) != sw.curve.Size() {
		return nil, fmt.Errorf("%w: %d byte digest for %s", ErrUnsupportedHash, len(digest), sw.curve)
	}
	return ecdsa.SignASN1(sw.rand, sw.key, digest)
}

// KeyAgree performs ECDHE with a fresh key. Only the client side is supported.
func (sw *Software) KeyAgree(peer []byte, side Side) ([]byte, []byte, error) {
	if side != SideClient {
		return nil, nil, ErrUnsupportedSide
	}

	priv, err := sw.curve.ECDH().GenerateKey(sw.rand)
	if err != nil {
		return nil, nil, err
	}
	curve, x, y, err := decodePublicKey(peer)
	if err != nil {
		return nil, nil, err
	}
	if curve != sw.curve {
		return nil, nil, fmt.Errorf("%w: peer key on %s, expected %s", ErrDecode, curve, sw.curve)
	}
	pub, err := sw.curve.ECDH().NewPublicKey(joinPoint(x, y))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return priv.PublicKey().Bytes(), secret, nil
}

// VerifyPeer checks signature in software.
func (sw *Software) VerifyPeer(signature, digest, peerKey []byte) error {
	curve, x, y, err := decodePublicKey(peerKey)
	if err != nil {
		return err
	}
	if _, _, err := decodeSignature(signature, curve.Size()); err != nil {
		return err
	}
	ecdhPub, err := curve.ECDH().NewPublicKey(joinPoint(x, y))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	pub, err := ecdsaPublicKey(curve, ecdhPub.Bytes())
	if err != nil {
		return err
	}
	if !ecdsa.VerifyASN1(pub, digest, signature) {
		return ErrVerification
	}
	return nil
}
