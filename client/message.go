// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"time"
)

// Message represents an MQTT application message.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retain    bool
	Dup       bool
	PacketID  uint16
	Timestamp time.Time

	// Filter is the subscription filter the engine matched an inbound
	// message against. Empty when no subscription matched.
	Filter string
}

// NewMessage creates a new message with the given parameters.
func NewMessage(topic string, payload []byte, qos byte, retain bool) *Message {
	return &Message{
		Topic:     topic,
		Payload:   payload,
		QoS:       qos,
		Retain:    retain,
		Timestamp: time.Now(),
	}
}

// Copy creates a deep copy of the message.
func (m *Message) Copy() *Message {
	if m == nil {
		return nil
	}
	msg := *m
	msg.Payload = bytes.Clone(m.Payload)
	return &msg
}

// Token tracks one operation handed to the engine.
type Token interface {
	// Done closes when the operation completes.
	Done() <-chan struct{}
	// Result is valid once Done is closed.
	Result() Result
}

// token is the default Token implementation.
type token struct {
	done chan struct{}
	res  Result
}

func newToken() *token {
	return &token{done: make(chan struct{})}
}

// completedToken returns a token that is already done.
func completedToken(res Result) *token {
	t := newToken()
	t.complete(res)
	return t
}

func (t *token) complete(res Result) {
	t.res = res
	close(t.done)
}

func (t *token) Done() <-chan struct{} {
	return t.done
}

func (t *token) Result() Result {
	return t.res
}
