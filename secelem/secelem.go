// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package secelem defines the command set of a secure element coprocessor
// and provides a software emulator of it.
package secelem

import (
	"crypto/ecdh"
	"crypto/elliptic"
	"errors"
	"fmt"
)

// Device is the command-response interface of a secure element. Every
// failing command returns a ResponseCode as its error. Implementations
// serialize commands; a command runs to completion once issued.
type Device interface {
	// Read returns length bytes of a data partition zone starting at offset.
	Read(zone uint8, offset, length uint16) ([]byte, error)

	// Echo returns data unchanged.
	Echo(data []byte) ([]byte, error)

	// GenerateKeyPair creates a key pair in slot and returns the public
	// coordinates.
	GenerateKeyPair(slot Slot, curve Curve) (x, y []byte, err error)

	// EstablishKey derives an ECDH shared secret between the key in slot
	// and the peer public point.
	EstablishKey(slot Slot, peerX, peerY []byte) ([]byte, error)

	// VerifySignature checks an (r, s) signature over digest. A well formed
	// but invalid signature returns false with a nil error.
	VerifySignature(curve Curve, pubX, pubY, r, s, digest []byte) (bool, error)

	// GenerateSignature signs digest with the key in slot.
	GenerateSignature(slot Slot, digest []byte, curve Curve) (r, s []byte, err error)
}

// Slot identifies a private key slot.
type Slot uint8

// Key slots.
const (
	// SlotSign holds the factory provisioned device identity key.
	SlotSign Slot = 0x00
	// SlotUser holds a host generated persistent key.
	SlotUser Slot = 0x01
	// SlotEphemeral holds a volatile key erased after its first use.
	SlotEphemeral Slot = 0xFF
)

func (s Slot) String() string {
	switch s {
	case SlotSign:
		return "sign"
	case SlotUser:
		return "user"
	case SlotEphemeral:
		return "ephemeral"
	default:
		return fmt.Sprintf("slot(%d)", uint8(s))
	}
}

// Curve identifies an elliptic curve supported by the device.
type Curve uint8

// Supported curves.
const (
	CurveP256 Curve = iota
	CurveP384
)

var errUnknownCurve = errors.New("unknown curve")

// ParseCurve maps a curve name such as "P-256" to a Curve.
func ParseCurve(name string) (Curve, error) {
	switch name {
	case "P-256", "NIST_P_256", "secp256r1":
		return CurveP256, nil
	case "P-384", "NIST_P_384", "secp384r1":
		return CurveP384, nil
	default:
		return 0, fmt.Errorf("%w: %s", errUnknownCurve, name)
	}
}

// CurveOf maps a standard library curve to a Curve.
func CurveOf(c elliptic.Curve) (Curve, error) {
	if c == nil {
		return 0, errUnknownCurve
	}
	return ParseCurve(c.Params().Name)
}

func (c Curve) String() string {
	switch c {
	case CurveP256:
		return "P-256"
	case CurveP384:
		return "P-384"
	default:
		return "unknown"
	}
}

// Size returns the coordinate and scalar size in bytes.
func (c Curve) Size() int {
	switch c {
	case CurveP256:
		return 32
	case CurveP384:
		return 48
	default:
		return 0
	}
}

// Elliptic returns the standard library curve.
func (c Curve) Elliptic() elliptic.Curve {
	switch c {
	case CurveP256:
		return elliptic.P256()
	case CurveP384:
		return elliptic.P384()
	default:
		return nil
	}
}

// ECDH returns the standard library key agreement curve.
func (c Curve) ECDH() ecdh.Curve {
	switch c {
	case CurveP256:
		return ecdh.P256()
	case CurveP384:
		return ecdh.P384()
	default:
		return nil
	}
}

// ResponseCode is the status byte of a device response. Every code other
// than CodeOK is a failure.
type ResponseCode uint8

// Response codes.
const (
	CodeOK                    ResponseCode = 0x00
	CodeCommunicationError    ResponseCode = 0x01
	CodeInconsistentData      ResponseCode = 0x02
	CodeUnsupportedCommand    ResponseCode = 0x03
	CodeInvalidParameter      ResponseCode = 0x04
	CodeKeyNotFound           ResponseCode = 0x05
	CodeAccessDenied          ResponseCode = 0x06
	CodeKeyAlreadyProvisioned ResponseCode = 0x07
	CodeUnexpectedError       ResponseCode = 0xFF
)

func (c ResponseCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeCommunicationError:
		return "communication error"
	case CodeInconsistentData:
		return "inconsistent command data"
	case CodeUnsupportedCommand:
		return "unsupported command"
	case CodeInvalidParameter:
		return "invalid parameter"
	case CodeKeyNotFound:
		return "key not found"
	case CodeAccessDenied:
		return "access denied"
	case CodeKeyAlreadyProvisioned:
		return "key already provisioned"
	case CodeUnexpectedError:
		return "unexpected error"
	default:
		return fmt.Sprintf("response code 0x%02x", uint8(c))
	}
}

// Error implements the error interface.
func (c ResponseCode) Error() string {
	return "secure element: " + c.String()
}

// Code extracts the response code carried by err. A nil error is CodeOK and
// an error without a code is CodeUnexpectedError.
func Code(err error) ResponseCode {
	if err == nil {
		return CodeOK
	}
	var code ResponseCode
	if errors.As(err, &code) {
		return code
	}
	return CodeUnexpectedError
}
