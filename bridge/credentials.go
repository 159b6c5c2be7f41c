// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/absmach/fluxlink/secelem"
)

// CertSizeHeaderLen is the number of bytes read to decode the certificate size.
const CertSizeHeaderLen = 4

// ErrCredentials is returned when the credential set cannot be assembled.
var ErrCredentials = errors.New("credential loading failed")

// CredentialSet holds the PEM material of one connection attempt. Its
// buffers are reused between attempts.
type CredentialSet struct {
	RootCA      []byte
	ClientChain []byte
}

// Reset zeroes both buffers and keeps their capacity.
func (c *CredentialSet) Reset() {
	clear(c.RootCA)
	clear(c.ClientChain)
	c.RootCA = c.RootCA[:0]
	c.ClientChain = c.ClientChain[:0]
}

// DecodeCertSize returns the certificate size announced by the header read
// from the certificate zone. The second byte selects the form: below 0x81
// it is the size, 0x81 prefixes one length byte and 0x82 two big-endian
// length bytes.
func DecodeCertSize(header []byte) (int, error) {
	if len(header) < 2 {
		return 0, fmt.Errorf("%w: short certificate header", ErrCredentials)
	}

	var size int
	switch b := header[1]; {
	case b < 0x81:
		size = int(b)
	case b == 0x81:
		if len(header) < 3 {
			return 0, fmt.Errorf("%w: short certificate header", ErrCredentials)
		}
		size = int(header[2]) + 3
	case b == 0x82:
		if len(header) < 4 {
			return 0, fmt.Errorf("%w: short certificate header", ErrCredentials)
		}
		size = (int(header[2])<<8 | int(header[3])) + 4
	default:
		return 0, fmt.Errorf("%w: unsupported length form 0x%02x", ErrCredentials, b)
	}

	if size == 0 {
		return 0, fmt.Errorf("%w: empty certificate", ErrCredentials)
	}
	return size, nil
}

// LoadCredentials fills set with rootCA and the client chain: the device
// certificate read from the secure element followed by anchor. A nil anchor
// selects TrustAnchorPEM.
func LoadCredentials(dev secelem.Device, rootCA, anchor []byte, set *CredentialSet) error {
	set.Reset()

	if len(rootCA) == 0 {
		return fmt.Errorf("%w: missing root CA", ErrCredentials)
	}
	if anchor == nil {
		anchor = TrustAnchorPEM
	}

	header, err := dev.Read(secelem.CertificateZone, 0, CertSizeHeaderLen)
	if err != nil {
		return fmt.Errorf("%w: read certificate header: %w", ErrCredentials, err)
	}
	size, err := DecodeCertSize(header)
	if err != nil {
		return err
	}
	if size > 0xFFFF {
		return fmt.Errorf("%w: certificate size %d exceeds zone", ErrCredentials, size)
	}

	der, err := dev.Read(secelem.CertificateZone, 0, uint16(size))
	if err != nil {
		return fmt.Errorf("%w: read certificate: %w", ErrCredentials, err)
	}

	leaf := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	set.RootCA = append(set.RootCA, rootCA...)
	set.ClientChain = append(set.ClientChain, leaf...)
	set.ClientChain = append(set.ClientChain, anchor...)
	clear(der)
	return nil
}
