// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ocsp checks the revocation status of the broker certificates
// with an OCSP responder.
package ocsp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/absmach/fluxlink/pkg/tls/verifier"
	"golang.org/x/crypto/ocsp"
)

const defaultTimeout = 5 * time.Second

var (
	errParseIssuerCrt       = errors.New("failed to parse issuer certificate")
	errCreateOCSPReq        = errors.New("failed to create OCSP request")
	errCreateOCSPHTTPReq    = errors.New("failed to create OCSP HTTP request")
	errParseOCSPUrl         = errors.New("failed to parse OCSP server URL")
	errOCSPReq              = errors.New("OCSP request failed")
	errOCSPReadResp         = errors.New("failed to read OCSP response")
	errParseOCSPRespForCert = errors.New("failed to parse OCSP response for certificate")
	errIssuerCert           = errors.New("neither the issuer certificate is present in the chain nor is the issuer certificate URL present in AIA")
	errNoOCSPURL            = errors.New("neither OCSP responder URL configured nor present in certificate AIA")
	errOCSPServerFailed     = errors.New("OCSP server failed")
	errOCSPUnknown          = errors.New("OCSP status unknown")
	errCertRevoked          = errors.New("certificate revoked")
	errRetrieveIssuerCrt    = errors.New("failed to retrieve issuer certificate")
	errReadIssuerCrt        = errors.New("failed to read issuer certificate")
	errIssuerCrtPEM         = errors.New("failed to decode issuer certificate PEM")

	errParseCert = errors.New("failed to parse certificate")
	errPeerCrt   = errors.New("peer certificate not received")
)

// Config selects how many certificates of the broker chain are checked and
// an optional responder overriding the AIA OCSP server. Self-signed roots
// are never checked.
type Config struct {
	Depth        uint          `yaml:"depth"`
	ResponderURL string        `yaml:"responder_url"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Option customises the verifier.
type Option func(*ocspVerifier)

// WithHTTPClient sets the client used for responder and AIA requests.
func WithHTTPClient(c *http.Client) Option {
	return func(v *ocspVerifier) {
		v.client = c
	}
}

type ocspVerifier struct {
	Config
	client *http.Client
}

var _ verifier.Verifier = (*ocspVerifier)(nil)

// New returns an OCSP Verifier.
func New(cfg Config, opts ...Option) (verifier.Verifier, error) {
	if cfg.ResponderURL != "" {
		if _, err := url.Parse(cfg.ResponderURL); err != nil {
			return nil, errors.Join(errParseOCSPUrl, err)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	v := &ocspVerifier{Config: cfg, client: &http.Client{}}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func (c *ocspVerifier) VerifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	switch {
	case len(verifiedChains) > 0:
		return c.verifyVerifiedChains(verifiedChains)
	case len(rawCerts) > 0:
		peerCertificates, err := parseCertificates(rawCerts)
		if err != nil {
			return err
		}
		return c.verifyRawCertificates(peerCertificates)
	default:
		return errPeerCrt
	}
}

func (c *ocspVerifier) verifyRawCertificates(peerCertificates []*x509.Certificate) error {
	for i, peerCertificate := range peerCertificates {
		if c.depthReached(i) || isRootCA(peerCertificate) {
			return nil
		}
		issuer := retrieveIssuerCert(peerCertificate.Issuer, peerCertificates)
		if err := c.ocspVerify(peerCertificate, issuer); err != nil {
			return err
		}
	}
	return nil
}

func (c *ocspVerifier) verifyVerifiedChains(chains [][]*x509.Certificate) error {
	for _, chain := range chains {
		for i, cert := range chain {
			if c.depthReached(i) || isRootCA(cert) {
				break
			}
			var issuer *x509.Certificate
			if i+1 < len(chain) {
				issuer = chain[i+1]
			}
			if err := c.ocspVerify(cert, issuer); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *ocspVerifier) depthReached(i int) bool {
	return c.Depth > 0 && i >= int(c.Depth)
}

func (c *ocspVerifier) ocspVerify(peerCertificate, issuerCert *x509.Certificate) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	var err error
	if issuerCert == nil {
		if len(peerCertificate.IssuingCertificateURL) < 1 {
			return fmt.Errorf("%w: common name %s and serial number %x", errIssuerCert, peerCertificate.Subject.CommonName, peerCertificate.SerialNumber)
		}
		issuerCert, err = c.retrieveIssuingCertificate(ctx, peerCertificate.IssuingCertificateURL[0])
		if err != nil {
			return err
		}
	}

	buffer, err := ocsp.CreateRequest(peerCertificate, issuerCert, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return errors.Join(errCreateOCSPReq, err)
	}

	ocspURL := c.ResponderURL
	if ocspURL == "" {
		if len(peerCertificate.OCSPServer) < 1 {
			return fmt.Errorf("%w: common name %s and serial number %x", errNoOCSPURL, peerCertificate.Subject.CommonName, peerCertificate.SerialNumber)
		}
		ocspURL = peerCertificate.OCSPServer[0]
	}
	if _, err := url.Parse(ocspURL); err != nil {
		return errors.Join(errParseOCSPUrl, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, ocspURL, bytes.NewReader(buffer))
	if err != nil {
		return errors.Join(errCreateOCSPHTTPReq, err)
	}
	httpRequest.Header.Add("Content-Type", "application/ocsp-request")
	httpRequest.Header.Add("Accept", "application/ocsp-response")

	httpResponse, err := c.client.Do(httpRequest)
	if err != nil {
		return errors.Join(errOCSPReq, err)
	}
	defer httpResponse.Body.Close()
	output, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return errors.Join(errOCSPReadResp, err)
	}
	ocspResponse, err := ocsp.ParseResponseForCert(output, peerCertificate, issuerCert)
	if err != nil {
		return errors.Join(errParseOCSPRespForCert, err)
	}

	switch ocspResponse.Status {
	case ocsp.Good:
		return nil
	case ocsp.Revoked:
		return fmt.Errorf("%w: common name %s and serial number %x revoked at %v", errCertRevoked, peerCertificate.Subject.CommonName, peerCertificate.SerialNumber, ocspResponse.RevokedAt)
	case ocsp.ServerFailed:
		return errOCSPServerFailed
	default:
		return errOCSPUnknown
	}
}

func retrieveIssuerCert(issuerSubject pkix.Name, certs []*x509.Certificate) *x509.Certificate {
	for _, cert := range certs {
		if cert.Subject.SerialNumber != "" && issuerSubject.SerialNumber != "" && cert.Subject.SerialNumber == issuerSubject.SerialNumber {
			return cert
		}
		if (cert.Subject.SerialNumber == "" || issuerSubject.SerialNumber == "") && cert.Subject.String() == issuerSubject.String() {
			return cert
		}
	}
	return nil
}

func (c *ocspVerifier) retrieveIssuingCertificate(ctx context.Context, issuingCertificateURL string) (*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuingCertificateURL, nil)
	if err != nil {
		return nil, errors.Join(errRetrieveIssuerCrt, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Join(errRetrieveIssuerCrt, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Join(errReadIssuerCrt, err)
	}

	// AIA issuers are usually DER; accept PEM as well.
	der := body
	if block, _ := pem.Decode(body); block != nil {
		der = block.Bytes
	} else if len(body) == 0 {
		return nil, errIssuerCrtPEM
	}

	issCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Join(errParseIssuerCrt, err)
	}
	return issCert, nil
}

func isRootCA(cert *x509.Certificate) bool {
	if cert.IsCA {
		if len(cert.AuthorityKeyId) > 0 && len(cert.SubjectKeyId) > 0 && bytes.Equal(cert.AuthorityKeyId, cert.SubjectKeyId) {
			return true
		}
		if cert.Issuer.String() == cert.Subject.String() {
			return true
		}
	}
	return false
}

func parseCertificates(rawCerts [][]byte) ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, rawCert := range rawCerts {
		cert, err := x509.ParseCertificate(rawCert)
		if err != nil {
			return nil, errors.Join(errParseCert, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
