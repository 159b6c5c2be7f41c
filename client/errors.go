// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"
)

// Agent errors.
var (
	ErrQueueFull      = errors.New("command queue full")
	ErrEmptyFilter    = errors.New("empty topic filter")
	ErrFilterTooLong  = errors.New("topic filter too long")
	ErrInvalidQoS     = errors.New("invalid QoS level (must be 0, 1, or 2)")
	ErrInvalidTopic   = errors.New("invalid topic")
	ErrNoFilters      = errors.New("no topic filters")
	ErrIllegalCommand = errors.New("command kind cannot be queued")
	ErrNotConnected   = errors.New("agent not connected")
	ErrTableFull      = errors.New("subscription table full")
	ErrConnectionLost = errors.New("connection lost")
	ErrAckTimeout     = errors.New("acknowledgement timeout")
)

// Status is the outcome of a protocol engine operation.
type Status uint8

// Engine statuses.
const (
	StatusSuccess Status = iota
	StatusBadParameter
	StatusNoMemory
	StatusSendFailed
	StatusRecvFailed
	StatusBadResponse
	StatusServerRefused
	StatusSubscribeFailed
	StatusIllegalState
	StatusKeepAliveTimeout
	StatusTimeout
	StatusSessionLost
	StatusTerminated
)

var statusNames = [...]string{
	StatusSuccess:          "success",
	StatusBadParameter:     "bad parameter",
	StatusNoMemory:         "no memory",
	StatusSendFailed:       "send failed",
	StatusRecvFailed:       "receive failed",
	StatusBadResponse:      "bad response",
	StatusServerRefused:    "server refused",
	StatusSubscribeFailed:  "subscribe failed",
	StatusIllegalState:     "illegal state",
	StatusKeepAliveTimeout: "keep-alive timeout",
	StatusTimeout:          "timeout",
	StatusSessionLost:      "session lost",
	StatusTerminated:       "terminated",
}

// String returns the status name.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Error implements the error interface so a Status can be matched with
// errors.Is.
func (s Status) Error() string {
	return "mqtt agent: " + s.String()
}

// StatusOf extracts the Status carried by err. A nil error is a success and
// an error without a Status maps to StatusSendFailed.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusSendFailed
}

// ConnAckCode represents MQTT CONNACK return codes.
type ConnAckCode byte

// MQTT 3.1.1 CONNACK return codes.
const (
	ConnAccepted           ConnAckCode = 0x00
	ConnRefusedProtocol    ConnAckCode = 0x01
	ConnRefusedIDRejected  ConnAckCode = 0x02
	ConnRefusedUnavailable ConnAckCode = 0x03
	ConnRefusedBadAuth     ConnAckCode = 0x04
	ConnRefusedNotAuth     ConnAckCode = 0x05
)

// String returns a human-readable description of the CONNACK code.
func (c ConnAckCode) String() string {
	switch c {
	case ConnAccepted:
		return "connection accepted"
	case ConnRefusedProtocol:
		return "unacceptable protocol version"
	case ConnRefusedIDRejected:
		return "client identifier rejected"
	case ConnRefusedUnavailable:
		return "server unavailable"
	case ConnRefusedBadAuth:
		return "bad username or password"
	case ConnRefusedNotAuth:
		return "not authorized"
	default:
		return "unknown error"
	}
}

// Error implements the error interface.
func (c ConnAckCode) Error() string {
	return c.String()
}
