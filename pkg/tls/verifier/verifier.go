// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package verifier chains additional checks onto the peer certificate
// verification of a TLS handshake.
package verifier

import "crypto/x509"

// Verifier inspects the certificates presented by the peer.
type Verifier interface {
	VerifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
}

// NewValidator returns a tls.Config VerifyPeerCertificate callback running
// verifiers in order. The first failure rejects the peer.
func NewValidator(verifiers []Verifier) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		for _, v := range verifiers {
			if err := v.VerifyPeerCertificate(rawCerts, verifiedChains); err != nil {
				return err
			}
		}
		return nil
	}
}
