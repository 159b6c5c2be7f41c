// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"

	"github.com/absmach/fluxlink/transport"
)

// ConnectParams controls one session connect.
type ConnectParams struct {
	CleanSession bool
	// Filters are the subscriptions a resumed session may still deliver
	// for, so inbound messages can be matched before any resubscribe.
	Filters []string
}

// Engine is the MQTT protocol engine the agent drives. Apart from Incoming
// and Lost, it is only called from the command loop goroutine.
type Engine interface {
	// Connect runs the CONNECT/CONNACK exchange over t.
	Connect(ctx context.Context, t transport.Transport, p ConnectParams) Result
	Publish(msg *Message) Token
	// Subscribe sends one SUBSCRIBE for subs. The result carries one return
	// code per subscription, in order.
	Subscribe(subs []Subscription) Token
	Unsubscribe(filters []string) Token
	// Disconnect sends DISCONNECT when connected and releases the session.
	Disconnect()
	// Incoming delivers inbound messages with Filter set to the matched
	// subscription filter.
	Incoming() <-chan *Message
	// Lost yields an error carrying a Status when the current connection
	// fails.
	Lost() <-chan error
}
