// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"crypto"
	"crypto/ecdsa"
	"fmt"
	"io"
	"math/big"

	"github.com/absmach/fluxlink/secelem"
)

var _ crypto.Signer = (*Signer)(nil)

// Signer exposes KeyOps as a crypto.Signer so a TLS stack can present the
// device certificate without holding its private key.
type Signer struct {
	ops  KeyOps
	pub  *ecdsa.PublicKey
	hash crypto.Hash
}

// NewSigner returns a Signer for the identity whose public key is pub.
func NewSigner(ops KeyOps, pub *ecdsa.PublicKey) (*Signer, error) {
	curve, err := secelem.CurveOf(pub.Curve)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	hash := crypto.SHA256
	if curve == secelem.CurveP384 {
		hash = crypto.SHA384
	}
	return &Signer{ops: ops, pub: pub, hash: hash}, nil
}

// Public returns the identity public key.
func (s *Signer) Public() crypto.PublicKey {
	return s.pub
}

// Hash returns the only digest algorithm the signer accepts.
func (s *Signer) Hash() crypto.Hash {
	return s.hash
}

// Sign delegates to KeyOps. The random source is unused: the signing
// device supplies its own entropy.
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts.HashFunc() != s.hash {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedHash, opts.HashFunc())
	}
	if len(digest) != s.hash.Size() {
		return nil, fmt.Errorf("%w: digest length %d", ErrUnsupportedHash, len(digest))
	}
	return s.ops.Sign(digest)
}

func ecdsaPublicKey(curve secelem.Curve, point []byte) (*ecdsa.PublicKey, error) {
	if len(point) != 1+2*curve.Size() {
		return nil, fmt.Errorf("%w: point length %d", ErrDecode, len(point))
	}
	x, y := splitPoint(point)
	return &ecdsa.PublicKey{
		Curve: curve.Elliptic(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}
