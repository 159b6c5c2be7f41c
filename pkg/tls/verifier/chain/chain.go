// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package chain re-checks the signatures of the broker certificate chain.
// ECDSA signatures are confirmed by the secure element. Other algorithms
// are outside what the coprocessor verifies and are checked in software.
package chain

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/absmach/fluxlink/bridge"
	"github.com/absmach/fluxlink/pkg/tls/verifier"
)

var (
	errNoCertificates   = errors.New("peer presented no certificates")
	errParseCert        = errors.New("failed to parse certificate")
	errChainSignature   = errors.New("certificate signature rejected")
	errMissingIssuer    = errors.New("issuer certificate not present in chain")
	errIssuerNotMatched = errors.New("issuer does not match certificate")
)

type chainVerifier struct {
	keys bridge.KeyOps
}

var _ verifier.Verifier = (*chainVerifier)(nil)

// New returns a Verifier submitting each issuer signature to keys.
func New(keys bridge.KeyOps) verifier.Verifier {
	return &chainVerifier{keys: keys}
}

func (c *chainVerifier) VerifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	if len(verifiedChains) > 0 {
		for _, chain := range verifiedChains {
			if err := c.verifyChain(chain); err != nil {
				return err
			}
		}
		return nil
	}

	if len(rawCerts) == 0 {
		return errNoCertificates
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return errors.Join(errParseCert, err)
		}
		certs = append(certs, cert)
	}
	return c.verifyChain(certs)
}

// verifyChain checks chain[i] against chain[i+1]. A trailing self-signed
// certificate is checked against itself.
func (c *chainVerifier) verifyChain(chain []*x509.Certificate) error {
	for i, cert := range chain {
		var issuer *x509.Certificate
		switch {
		case i+1 < len(chain):
			issuer = chain[i+1]
		case isSelfSigned(cert):
			issuer = cert
		case i == 0:
			return fmt.Errorf("%w: %s", errMissingIssuer, cert.Subject.CommonName)
		default:
			// The last intermediate's issuer is a trusted root that was
			// not sent; the handshake already anchored it.
			return nil
		}
		if err := c.verify(cert, issuer); err != nil {
			return err
		}
	}
	return nil
}

func (c *chainVerifier) verify(cert, issuer *x509.Certificate) error {
	if cert.Issuer.String() != issuer.Subject.String() {
		return fmt.Errorf("%w: %s issued by %s", errIssuerNotMatched, cert.Subject.CommonName, issuer.Subject.CommonName)
	}

	var hash crypto.Hash
	switch cert.SignatureAlgorithm {
	case x509.ECDSAWithSHA256:
		hash = crypto.SHA256
	case x509.ECDSAWithSHA384:
		hash = crypto.SHA384
	default:
		if err := cert.CheckSignatureFrom(issuer); err != nil {
			return fmt.Errorf("%w: %s: %w", errChainSignature, cert.Subject.CommonName, err)
		}
		return nil
	}

	h := hash.New()
	h.Write(cert.RawTBSCertificate)
	if err := c.keys.VerifyPeer(cert.Signature, h.Sum(nil), issuer.RawSubjectPublicKeyInfo); err != nil {
		return fmt.Errorf("%w: %s: %w", errChainSignature, cert.Subject.CommonName, err)
	}
	return nil
}

func isSelfSigned(cert *x509.Certificate) bool {
	return cert.Issuer.String() == cert.Subject.String()
}
