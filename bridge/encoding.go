// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"math/big"

	"github.com/absmach/fluxlink/secelem"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

func encodeSignature(r, s []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(new(big.Int).SetBytes(r))
		b.AddASN1BigInt(new(big.Int).SetBytes(s))
	})
	return b.Bytes()
}

// decodeSignature parses an ASN.1 ECDSA-Sig-Value into fixed size r and s.
func decodeSignature(sig []byte, size int) ([]byte, []byte, error) {
	var (
		inner cryptobyte.String
		r     = new(big.Int)
		s     = new(big.Int)
	)
	input := cryptobyte.String(sig)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) || !inner.Empty() {
		return nil, nil, fmt.Errorf("%w: signature is not an ECDSA-Sig-Value", ErrDecode)
	}
	if r.Sign() <= 0 || s.Sign() <= 0 || r.BitLen() > size*8 || s.BitLen() > size*8 {
		return nil, nil, fmt.Errorf("%w: signature scalar out of range", ErrDecode)
	}
	return r.FillBytes(make([]byte, size)), s.FillBytes(make([]byte, size)), nil
}

// decodePublicKey accepts a PKIX SubjectPublicKeyInfo or an uncompressed
// point and returns the curve and raw coordinates.
func decodePublicKey(key []byte) (secelem.Curve, []byte, []byte, error) {
	if len(key) > 0 && key[0] == 0x04 {
		return decodePoint(key)
	}

	pub, err := x509.ParsePKIXPublicKey(key)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return 0, nil, nil, fmt.Errorf("%w: %T is not an ECDSA key", ErrDecode, pub)
	}
	return decodeECDSAPublicKey(ecPub)
}

func decodeECDSAPublicKey(pub *ecdsa.PublicKey) (secelem.Curve, []byte, []byte, error) {
	curve, err := secelem.CurveOf(pub.Curve)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	point, err := pub.ECDH()
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	x, y := splitPoint(point.Bytes())
	return curve, x, y, nil
}

func decodePoint(p []byte) (secelem.Curve, []byte, []byte, error) {
	var curve secelem.Curve
	switch len(p) {
	case 1 + 2*secelem.CurveP256.Size():
		curve = secelem.CurveP256
	case 1 + 2*secelem.CurveP384.Size():
		curve = secelem.CurveP384
	default:
		return 0, nil, nil, fmt.Errorf("%w: point length %d", ErrDecode, len(p))
	}
	if _, err := curve.ECDH().NewPublicKey(p); err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	x, y := splitPoint(p)
	return curve, x, y, nil
}

func splitPoint(p []byte) ([]byte, []byte) {
	n := (len(p) - 1) / 2
	x := make([]byte, n)
	y := make([]byte, n)
	copy(x, p[1:1+n])
	copy(y, p[1+n:])
	return x, y
}

func joinPoint(x, y []byte) []byte {
	p := make([]byte, 0, 1+len(x)+len(y))
	p = append(p, 0x04)
	p = append(p, x...)
	return append(p, y...)
}
