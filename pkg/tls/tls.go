// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls establishes the broker connection. A secured connection
// presents the certificate chain stored in the secure element and signs
// with the device key through bridge.KeyOps.
package tls

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxlink/bridge"
	"github.com/absmach/fluxlink/pkg/tls/verifier"
	"github.com/absmach/fluxlink/pkg/tls/verifier/ocsp"
	"github.com/absmach/fluxlink/secelem"
	"github.com/absmach/fluxlink/transport"
)

// Transport kinds.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
)

var (
	// ErrHandshakeInFlight is returned when Establish is called while
	// another handshake is running.
	ErrHandshakeInFlight = errors.New("handshake already in progress")

	errNoClientChain   = errors.New("client chain holds no certificate")
	errClientKey       = errors.New("client certificate key is not ECDSA")
	errAppendCA        = errors.New("failed to append root CA")
	errUnsupportedKind = errors.New("unsupported transport")
)

// Status classifies the outcome of Establish.
type Status uint8

// Establish outcomes.
const (
	StatusSuccess Status = iota
	StatusInvalidCredentials
	StatusHandshakeFailed
	StatusInternalError
	StatusConnectFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidCredentials:
		return "invalid credentials"
	case StatusHandshakeFailed:
		return "handshake failed"
	case StatusInternalError:
		return "internal error"
	case StatusConnectFailure:
		return "connect failure"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// EstablishError is the error returned by Establish.
type EstablishError struct {
	Status Status
	Err    error
}

func (e *EstablishError) Error() string {
	if e.Err == nil {
		return e.Status.String()
	}
	return e.Status.String() + ": " + e.Err.Error()
}

func (e *EstablishError) Unwrap() error {
	return e.Err
}

// StatusOf returns the Status carried by err.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var ee *EstablishError
	if errors.As(err, &ee) {
		return ee.Status
	}
	return StatusInternalError
}

// Config configures the Establisher.
type Config struct {
	Endpoint  string
	Transport string
	WSPath    string

	// Secure selects TLS. A plaintext connection loads no credentials.
	Secure     bool
	ServerName string
	// RootCA is the PEM bundle trusted for the broker certificate.
	RootCA []byte
	// TrustAnchor is appended to the device certificate. Nil selects
	// bridge.TrustAnchorPEM.
	TrustAnchor []byte
	MinVersion  uint16
	VerifyChain bool
	OCSP        ocsp.Config

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	Timeouts         transport.Timeouts
	ReadLimit        int64
}

// ParseVersion maps "tls1.2" and "tls1.3" to the crypto/tls constants.
func ParseVersion(v string) (uint16, error) {
	switch v {
	case "", "tls1.2":
		return tls.VersionTLS12, nil
	case "tls1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", v)
	}
}

// Establisher opens connections to the broker. At most one handshake runs
// at a time.
type Establisher struct {
	cfg    Config
	dev    secelem.Device
	keys   bridge.KeyOps
	logger *slog.Logger

	inFlight atomic.Bool
}

// NewEstablisher returns an Establisher. dev and keys may be nil for a
// plaintext configuration.
func NewEstablisher(cfg Config, dev secelem.Device, keys bridge.KeyOps, logger *slog.Logger) *Establisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportTCP
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return &Establisher{
		cfg:    cfg,
		dev:    dev,
		keys:   keys,
		logger: logger,
	}
}

// Establish connects to the broker and binds the result to h. Any stale
// connection on h is torn down first. On failure h is left reset, creds is
// zeroed and the returned error is an *EstablishError.
//
// Under TLS 1.3 the broker verifies the client certificate after the
// client has finished its handshake, so a rejected certificate is not seen
// here. It surfaces as a transport.ErrRecv on the first read, which the
// session reports as a connect failure.
func (e *Establisher) Establish(ctx context.Context, h *transport.Handle, creds *bridge.CredentialSet) error {
	if !e.inFlight.CompareAndSwap(false, true) {
		return &EstablishError{Status: StatusInternalError, Err: ErrHandshakeInFlight}
	}
	defer e.inFlight.Store(false)

	if err := h.Disconnect(); err != nil {
		e.logger.Debug("stale connection teardown failed", slog.String("error", err.Error()))
	}

	var handshake transport.Handshaker
	if e.cfg.Secure {
		tlsCfg, err := e.clientConfig(creds)
		if err != nil {
			creds.Reset()
			return &EstablishError{Status: StatusInvalidCredentials, Err: err}
		}
		handshake = e.handshaker(tlsCfg)
	}

	active, err := e.newTransport(handshake)
	if err != nil {
		creds.Reset()
		return &EstablishError{Status: StatusInternalError, Err: err}
	}

	start := time.Now()
	cctx := ctx
	if budget := e.cfg.ConnectTimeout + e.cfg.HandshakeTimeout; budget > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	if err := active.Connect(cctx, e.cfg.Endpoint); err != nil {
		_ = active.Disconnect()
		h.Reset()
		creds.Reset()
		status := classify(err)
		e.logger.Warn("connection establishment failed",
			slog.String("endpoint", e.cfg.Endpoint),
			slog.String("status", status.String()),
			slog.String("error", err.Error()))
		return &EstablishError{Status: status, Err: err}
	}

	socket, session := layers(active)
	h.Bind(active, socket, session, e.dev)

	e.logger.Info("connection established",
		slog.String("endpoint", e.cfg.Endpoint),
		slog.String("transport", e.cfg.Transport),
		slog.String("security", SecurityStatus(h)),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func classify(err error) Status {
	switch {
	case errors.Is(err, transport.ErrHandshake):
		return StatusHandshakeFailed
	case errors.Is(err, transport.ErrConnect):
		return StatusConnectFailure
	default:
		return StatusInternalError
	}
}

func layers(active transport.Transport) (transport.Transport, transport.TLSSession) {
	switch t := active.(type) {
	case *transport.Secure:
		return t.Socket(), t.Session()
	case *transport.WebSocket:
		return t.Socket(), t.Session()
	default:
		return active, nil
	}
}

func (e *Establisher) newTransport(handshake transport.Handshaker) (transport.Transport, error) {
	switch e.cfg.Transport {
	case TransportTCP:
		socket := transport.NewTCP(e.cfg.Timeouts)
		if handshake == nil {
			return socket, nil
		}
		return transport.NewSecure(socket, handshake, e.cfg.Timeouts), nil
	case TransportWebSocket:
		return transport.NewWebSocket(transport.WebSocketConfig{
			Path:      e.cfg.WSPath,
			Timeouts:  e.cfg.Timeouts,
			Handshake: handshake,
			ReadLimit: e.cfg.ReadLimit,
		}), nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedKind, e.cfg.Transport)
	}
}

func (e *Establisher) handshaker(cfg *tls.Config) transport.Handshaker {
	return func(ctx context.Context, conn net.Conn) (transport.TLSSession, error) {
		if e.cfg.HandshakeTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
			defer cancel()
		}
		session := tls.Client(conn, cfg)
		if err := session.HandshakeContext(ctx); err != nil {
			return session, err
		}
		return session, nil
	}
}

// clientConfig loads creds from the secure element and builds the client
// TLS configuration.
func (e *Establisher) clientConfig(creds *bridge.CredentialSet) (*tls.Config, error) {
	if e.dev == nil || e.keys == nil {
		return nil, fmt.Errorf("%w: no secure element", bridge.ErrCredentials)
	}
	if err := bridge.LoadCredentials(e.dev, e.cfg.RootCA, e.cfg.TrustAnchor, creds); err != nil {
		return nil, err
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(creds.RootCA) {
		return nil, fmt.Errorf("%w: %w", bridge.ErrCredentials, errAppendCA)
	}
	cert, err := clientCertificate(creds.ClientChain, e.keys)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", bridge.ErrCredentials, err)
	}

	cfg := &tls.Config{
		MinVersion:   e.cfg.MinVersion,
		RootCAs:      roots,
		ServerName:   e.cfg.ServerName,
		Certificates: []tls.Certificate{cert},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
	}
	if e.cfg.Transport == TransportWebSocket {
		cfg.NextProtos = []string{"http/1.1"}
	}

	verifiers, err := BuildVerifiers(e.cfg, e.keys)
	if err != nil {
		return nil, err
	}
	if len(verifiers) > 0 {
		cfg.VerifyPeerCertificate = verifier.NewValidator(verifiers)
	}
	return cfg, nil
}

// clientCertificate decodes the PEM chain and binds its leaf to keys.
func clientCertificate(chain []byte, keys bridge.KeyOps) (tls.Certificate, error) {
	var cert tls.Certificate
	for rest := chain; len(rest) > 0; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			cert.Certificate = append(cert.Certificate, block.Bytes)
		}
	}
	if len(cert.Certificate) == 0 {
		return tls.Certificate{}, errNoClientChain
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, err
	}
	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return tls.Certificate{}, errClientKey
	}
	signer, err := bridge.NewSigner(keys, pub)
	if err != nil {
		return tls.Certificate{}, err
	}

	cert.Leaf = leaf
	cert.PrivateKey = signer
	cert.SupportedSignatureAlgorithms = []tls.SignatureScheme{tls.ECDSAWithP256AndSHA256}
	if signer.Hash() == crypto.SHA384 {
		cert.SupportedSignatureAlgorithms = []tls.SignatureScheme{tls.ECDSAWithP384AndSHA384}
	}
	return cert, nil
}

// SecurityStatus describes a Handle for logs.
func SecurityStatus(h *transport.Handle) string {
	switch {
	case h == nil || !h.Connected():
		return "not connected"
	case !h.Secured:
		return "no TLS"
	}
	if state, ok := h.Session.(interface{ ConnectionState() tls.ConnectionState }); ok {
		cs := state.ConnectionState()
		return "TLS " + tls.VersionName(cs.Version) + " " + tls.CipherSuiteName(cs.CipherSuite)
	}
	return "TLS"
}
