// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ocsp

import (
	"crypto/x509"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxlink/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"
)

type responder struct {
	ca *testutil.CA

	mu       sync.Mutex
	statuses map[string]int
	requests int
}

func newResponder(t *testing.T, ca *testutil.CA) (*responder, *httptest.Server) {
	r := &responder{ca: ca, statuses: map[string]int{}}
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return r, srv
}

func (r *responder) set(serial *big.Int, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[serial.String()] = status
}

func (r *responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ocspReq, err := ocsp.ParseRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	r.requests++
	status, ok := r.statuses[ocspReq.SerialNumber.String()]
	r.mu.Unlock()
	if !ok {
		status = ocsp.Unknown
	}

	now := time.Now()
	tmpl := ocsp.Response{
		Status:       status,
		SerialNumber: ocspReq.SerialNumber,
		ThisUpdate:   now.Add(-time.Minute),
		NextUpdate:   now.Add(time.Hour),
	}
	if status == ocsp.Revoked {
		tmpl.RevokedAt = now.Add(-time.Minute)
		tmpl.RevocationReason = ocsp.KeyCompromise
	}
	resp, err := ocsp.CreateResponse(r.ca.Cert, r.ca.Cert, tmpl, r.ca.Key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/ocsp-response")
	_, _ = w.Write(resp)
}

func (r *responder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests
}

func TestOCSPVerifier(t *testing.T) {
	ca := testutil.NewCA(t, "root")
	resp, srv := newResponder(t, ca)

	good := ca.ServerCert(t).Leaf
	resp.set(good.SerialNumber, ocsp.Good)
	revoked := ca.ServerCert(t).Leaf
	resp.set(revoked.SerialNumber, ocsp.Revoked)
	unknown := ca.ServerCert(t).Leaf
	withAIA := ca.ServerCert(t, testutil.WithOCSPServer(srv.URL)).Leaf
	resp.set(withAIA.SerialNumber, ocsp.Good)

	cases := []struct {
		name    string
		cfg     Config
		raw     [][]byte
		chains  [][]*x509.Certificate
		wantErr error
	}{
		{
			name:   "good",
			cfg:    Config{ResponderURL: srv.URL},
			chains: [][]*x509.Certificate{{good, ca.Cert}},
		},
		{
			name:    "revoked",
			cfg:     Config{ResponderURL: srv.URL},
			chains:  [][]*x509.Certificate{{revoked, ca.Cert}},
			wantErr: errCertRevoked,
		},
		{
			name:    "unknown",
			cfg:     Config{ResponderURL: srv.URL},
			chains:  [][]*x509.Certificate{{unknown, ca.Cert}},
			wantErr: errOCSPUnknown,
		},
		{
			name:   "responder from AIA",
			cfg:    Config{Depth: 1},
			chains: [][]*x509.Certificate{{withAIA, ca.Cert}},
		},
		{
			name:    "no responder",
			cfg:     Config{Depth: 1},
			chains:  [][]*x509.Certificate{{good, ca.Cert}},
			wantErr: errNoOCSPURL,
		},
		{
			name: "raw certificates",
			cfg:  Config{ResponderURL: srv.URL, Depth: 1},
			raw:  [][]byte{good.Raw, ca.Cert.Raw},
		},
		{
			name:    "raw certificate without issuer",
			cfg:     Config{ResponderURL: srv.URL},
			raw:     [][]byte{good.Raw},
			wantErr: errIssuerCert,
		},
		{
			name:    "nothing presented",
			cfg:     Config{ResponderURL: srv.URL},
			wantErr: errPeerCrt,
		},
		{
			name:    "responder unreachable",
			cfg:     Config{ResponderURL: "http://127.0.0.1:1", Timeout: time.Second},
			chains:  [][]*x509.Certificate{{good, ca.Cert}},
			wantErr: errOCSPReq,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := New(tc.cfg)
			require.NoError(t, err)
			err = v.VerifyPeerCertificate(tc.raw, tc.chains)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestOCSPVerifier_SkipsRoot(t *testing.T) {
	ca := testutil.NewCA(t, "root")
	resp, srv := newResponder(t, ca)

	v, err := New(Config{ResponderURL: srv.URL}, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	require.NoError(t, v.VerifyPeerCertificate(nil, [][]*x509.Certificate{{ca.Cert}}))
	assert.Zero(t, resp.count())

	leaf := ca.ServerCert(t).Leaf
	resp.set(leaf.SerialNumber, ocsp.Good)
	require.NoError(t, v.VerifyPeerCertificate(nil, [][]*x509.Certificate{{leaf, ca.Cert}}))
	assert.Equal(t, 1, resp.count())
}
