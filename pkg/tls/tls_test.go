// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/absmach/fluxlink/bridge"
	"github.com/absmach/fluxlink/secelem"
	"github.com/absmach/fluxlink/storage/memory"
	"github.com/absmach/fluxlink/testutil"
	"github.com/absmach/fluxlink/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type device struct {
	emu  *secelem.Emulator
	keys *bridge.SecureElement
	der  []byte
}

func newDevice(t *testing.T) *device {
	t.Helper()
	emu := secelem.NewEmulator(memory.New())
	der, err := emu.EnsureIdentity("device-1", secelem.CurveP256, time.Hour)
	require.NoError(t, err)
	return &device{
		emu:  emu,
		keys: bridge.NewSecureElement(emu, secelem.CurveP256, secelem.SlotSign, nil),
		der:  der,
	}
}

type handshakeResult struct {
	commonName string
	err        error
}

// tlsBroker accepts TLS connections, reports each handshake and echoes.
func tlsBroker(t *testing.T, cfg *tls.Config) (string, <-chan handshakeResult) {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	results := make(chan handshakeResult, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				tc := conn.(*tls.Conn)
				if err := tc.Handshake(); err != nil {
					results <- handshakeResult{err: err}
					return
				}
				var cn string
				if peers := tc.ConnectionState().PeerCertificates; len(peers) > 0 {
					cn = peers[0].Subject.CommonName
				}
				results <- handshakeResult{commonName: cn}
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String(), results
}

func testConfig(endpoint string, rootCA []byte) Config {
	return Config{
		Endpoint:         endpoint,
		Secure:           true,
		ServerName:       "127.0.0.1",
		RootCA:           rootCA,
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		Timeouts: transport.Timeouts{
			Send:  time.Second,
			Recv:  50 * time.Millisecond,
			Probe: 10 * time.Millisecond,
		},
	}
}

func TestEstablish_Secure(t *testing.T) {
	dev := newDevice(t)
	ca := testutil.NewCA(t, "broker-ca")
	addr, results := tlsBroker(t, ca.ServerTLS(t, testutil.PoolOf(t, dev.der)))

	cases := []struct {
		name   string
		modify func(*Config)
	}{
		{"tls 1.2", func(c *Config) { c.MinVersion = tls.VersionTLS12 }},
		{"tls 1.3", func(c *Config) { c.MinVersion = tls.VersionTLS13 }},
		{"chain verified by device", func(c *Config) { c.VerifyChain = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(addr, ca.PEM())
			tc.modify(&cfg)
			est := NewEstablisher(cfg, dev.emu, dev.keys, nil)

			var h transport.Handle
			var creds bridge.CredentialSet
			require.NoError(t, est.Establish(context.Background(), &h, &creds))
			defer h.Disconnect()

			res := <-results
			require.NoError(t, res.err)
			assert.Equal(t, "device-1", res.commonName)

			assert.True(t, h.Connected())
			assert.True(t, h.Secured)
			assert.NotNil(t, h.Session)
			assert.NotNil(t, h.Socket)
			assert.Same(t, dev.emu, h.Device)
			assert.Contains(t, SecurityStatus(&h), "TLS")
			assert.NotEmpty(t, creds.ClientChain)

			_, err := h.Transport().Send([]byte("hello"))
			require.NoError(t, err)
			buf := make([]byte, 8)
			var n int
			require.Eventually(t, func() bool {
				n, err = h.Transport().Recv(buf)
				return err == nil && n > 0
			}, 2*time.Second, time.Millisecond)
			assert.Equal(t, "hello", string(buf[:n]))
		})
	}
}

func TestEstablish_Failures(t *testing.T) {
	dev := newDevice(t)
	ca := testutil.NewCA(t, "broker-ca")
	addr, _ := tlsBroker(t, ca.ServerTLS(t, testutil.PoolOf(t, dev.der)))

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := closed.Addr().String()
	require.NoError(t, closed.Close())

	other := testutil.NewCA(t, "other-ca")
	blank := secelem.NewEmulator(memory.New())
	require.NoError(t, blank.Provision(secelem.SlotSign, secelem.CurveP256))

	cases := []struct {
		name   string
		cfg    Config
		dev    secelem.Device
		status Status
	}{
		{
			name:   "missing root ca",
			cfg:    testConfig(addr, nil),
			dev:    dev.emu,
			status: StatusInvalidCredentials,
		},
		{
			name:   "malformed root ca",
			cfg:    testConfig(addr, []byte("not a certificate")),
			dev:    dev.emu,
			status: StatusInvalidCredentials,
		},
		{
			// An invalid credential set never reaches the socket, so the
			// closed endpoint is not reported.
			name:   "empty certificate zone",
			cfg:    testConfig(closedAddr, ca.PEM()),
			dev:    blank,
			status: StatusInvalidCredentials,
		},
		{
			name:   "untrusted broker",
			cfg:    testConfig(addr, other.PEM()),
			dev:    dev.emu,
			status: StatusHandshakeFailed,
		},
		{
			name: "server name mismatch",
			cfg: func() Config {
				c := testConfig(addr, ca.PEM())
				c.ServerName = "broker.example.com"
				return c
			}(),
			dev:    dev.emu,
			status: StatusHandshakeFailed,
		},
		{
			name:   "connection refused",
			cfg:    testConfig(closedAddr, ca.PEM()),
			dev:    dev.emu,
			status: StatusConnectFailure,
		},
		{
			name: "unknown transport",
			cfg: func() Config {
				c := testConfig(addr, ca.PEM())
				c.Transport = "quic"
				return c
			}(),
			dev:    dev.emu,
			status: StatusInternalError,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			est := NewEstablisher(tc.cfg, tc.dev, dev.keys, nil)

			var h transport.Handle
			creds := bridge.CredentialSet{ClientChain: []byte("stale")}
			err := est.Establish(context.Background(), &h, &creds)
			require.Error(t, err)

			var ee *EstablishError
			require.True(t, errors.As(err, &ee))
			assert.Equal(t, tc.status, ee.Status)
			assert.Equal(t, tc.status, StatusOf(err))

			assert.Equal(t, transport.Handle{}, h)
			assert.Empty(t, creds.ClientChain)
			assert.Empty(t, creds.RootCA)
		})
	}
}

func TestEstablish_ClientRejected(t *testing.T) {
	dev := newDevice(t)
	ca := testutil.NewCA(t, "broker-ca")
	stranger := testutil.NewCA(t, "stranger")
	srvCfg := ca.ServerTLS(t, stranger.Pool())
	srvCfg.MaxVersion = tls.VersionTLS12
	addr, results := tlsBroker(t, srvCfg)

	cfg := testConfig(addr, ca.PEM())
	est := NewEstablisher(cfg, dev.emu, dev.keys, nil)

	var h transport.Handle
	var creds bridge.CredentialSet
	err := est.Establish(context.Background(), &h, &creds)
	res := <-results
	assert.Error(t, res.err)

	// TLS 1.2 reports the rejection during the handshake.
	assert.Equal(t, StatusHandshakeFailed, StatusOf(err))
	assert.False(t, h.Connected())
}

func TestEstablish_ClientRejectedTLS13(t *testing.T) {
	dev := newDevice(t)
	ca := testutil.NewCA(t, "broker-ca")
	stranger := testutil.NewCA(t, "stranger")
	srvCfg := ca.ServerTLS(t, stranger.Pool())
	srvCfg.MinVersion = tls.VersionTLS13
	addr, results := tlsBroker(t, srvCfg)

	cfg := testConfig(addr, ca.PEM())
	cfg.MinVersion = tls.VersionTLS13
	est := NewEstablisher(cfg, dev.emu, dev.keys, nil)

	var h transport.Handle
	var creds bridge.CredentialSet
	err := est.Establish(context.Background(), &h, &creds)
	defer h.Disconnect()

	// The client finishes first, so the rejection arrives as an alert on
	// the first read.
	assert.Equal(t, StatusSuccess, StatusOf(err))
	res := <-results
	assert.Error(t, res.err)

	buf := make([]byte, 8)
	require.Eventually(t, func() bool {
		_, err = h.Transport().Recv(buf)
		return err != nil && !errors.Is(err, transport.ErrWouldBlock)
	}, 2*time.Second, time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrRecv)
}

func TestEstablish_RSABrokerChain(t *testing.T) {
	dev := newDevice(t)
	ca := testutil.NewRSACA(t, "rsa-broker-ca")
	addr, results := tlsBroker(t, ca.ServerTLS(t, testutil.PoolOf(t, dev.der)))

	cfg := testConfig(addr, ca.PEM())
	cfg.VerifyChain = true
	est := NewEstablisher(cfg, dev.emu, dev.keys, nil)

	var h transport.Handle
	var creds bridge.CredentialSet
	require.NoError(t, est.Establish(context.Background(), &h, &creds))
	defer h.Disconnect()

	res := <-results
	require.NoError(t, res.err)
	assert.Equal(t, "device-1", res.commonName)
	assert.Contains(t, SecurityStatus(&h), "TLS")
}

func TestEstablish_Plaintext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			_, _ = io.Copy(conn, conn)
		}
	}()

	cfg := testConfig(ln.Addr().String(), nil)
	cfg.Secure = false
	est := NewEstablisher(cfg, nil, nil, nil)

	var h transport.Handle
	var creds bridge.CredentialSet
	require.NoError(t, est.Establish(context.Background(), &h, &creds))
	assert.True(t, h.Connected())
	assert.False(t, h.Secured)
	assert.Nil(t, h.Session)
	assert.Equal(t, "no TLS", SecurityStatus(&h))
	assert.Empty(t, creds.ClientChain)

	require.NoError(t, h.Disconnect())
	require.NoError(t, h.Disconnect())
	assert.Equal(t, "not connected", SecurityStatus(&h))
}

func TestEstablish_InFlight(t *testing.T) {
	est := NewEstablisher(testConfig("127.0.0.1:1", nil), nil, nil, nil)
	est.inFlight.Store(true)

	var h transport.Handle
	err := est.Establish(context.Background(), &h, &bridge.CredentialSet{})
	assert.ErrorIs(t, err, ErrHandshakeInFlight)
	assert.Equal(t, StatusInternalError, StatusOf(err))
}

func TestStatus(t *testing.T) {
	assert.Equal(t, StatusSuccess, StatusOf(nil))
	assert.Equal(t, StatusInternalError, StatusOf(errors.New("boom")))
	assert.Equal(t, "connect failure", StatusConnectFailure.String())
	assert.Equal(t, "status(42)", Status(42).String())

	err := &EstablishError{Status: StatusHandshakeFailed, Err: transport.ErrHandshake}
	assert.ErrorIs(t, err, transport.ErrHandshake)
	assert.Equal(t, "handshake failed: secure handshake failed", err.Error())
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("tls1.3")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), v)

	v, err = ParseVersion("")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), v)

	_, err = ParseVersion("ssl3")
	assert.Error(t, err)
}
