// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxlink/transport"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// The broker URL only satisfies paho's option parsing. Connections are
// opened over the transport handed to Connect.
const pahoBroker = "tcp://fluxlink:1883"

const disconnectQuiesce = 250 // ms

// PahoEngine runs MQTT 3.1.1 with paho.mqtt.golang over an established
// transport. Paho's own reconnect and resubscribe logic is disabled; the
// session manager owns both.
type PahoEngine struct {
	opts     *Options
	logger   *slog.Logger
	incoming chan *Message

	mu     sync.Mutex
	client mqtt.Client
	lost   chan error
	done   chan struct{}
}

var _ Engine = (*PahoEngine)(nil)

// NewPahoEngine creates an engine. opts must have been validated.
func NewPahoEngine(opts *Options) *PahoEngine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PahoEngine{
		opts:     opts,
		logger:   logger,
		incoming: make(chan *Message, opts.IncomingDepth),
	}
}

// Connect creates a fresh paho client whose only connection is t.
func (e *PahoEngine) Connect(ctx context.Context, t transport.Transport, p ConnectParams) Result {
	e.release()

	lost := make(chan error, 1)
	done := make(chan struct{})

	co := mqtt.NewClientOptions().
		AddBroker(pahoBroker).
		SetProtocolVersion(4).
		SetClientID(e.opts.ClientID).
		SetUsername(e.opts.Username).
		SetPassword(e.opts.Password).
		SetCleanSession(p.CleanSession).
		SetKeepAlive(e.opts.KeepAlive).
		SetPingTimeout(e.opts.PingTimeout).
		SetConnectTimeout(e.opts.ConnAckTimeout).
		SetWriteTimeout(e.opts.WriteTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetResumeSubs(false).
		SetOrderMatters(true).
		SetCustomOpenConnectionFn(func(*url.URL, mqtt.ClientOptions) (net.Conn, error) {
			conn := transport.NewNetConn(t)
			conn.SetMaxRead(e.opts.NetworkBuffer)
			return conn, nil
		}).
		SetDefaultPublishHandler(e.deliver("", done)).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case lost <- lostError(err):
			default:
			}
		})

	c := mqtt.NewClient(co)
	for _, f := range p.Filters {
		c.AddRoute(f, e.deliver(f, done))
	}

	tok := c.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		close(done)
		return Result{Status: StatusTimeout, Cause: ctx.Err()}
	}

	ct := tok.(*mqtt.ConnectToken)
	if err := ct.Error(); err != nil {
		close(done)
		code := ConnAckCode(ct.ReturnCode())
		if code > ConnAccepted && code <= ConnRefusedNotAuth {
			return Result{Status: StatusServerRefused, Cause: code}
		}
		return Result{Status: StatusRecvFailed, Cause: err}
	}

	e.mu.Lock()
	e.client, e.lost, e.done = c, lost, done
	e.mu.Unlock()

	return Result{Status: StatusSuccess, SessionPresent: ct.SessionPresent()}
}

// Publish sends msg. QoS 0 completes once written.
func (e *PahoEngine) Publish(msg *Message) Token {
	c, _ := e.current()
	if c == nil {
		return completedToken(Result{Status: StatusIllegalState, Cause: ErrNotConnected})
	}
	tok := c.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
	return &pahoToken{Token: tok, result: func() Result { return sendResult(tok.Error()) }}
}

// Subscribe registers a route per filter, then sends one SUBSCRIBE.
func (e *PahoEngine) Subscribe(subs []Subscription) Token {
	c, done := e.current()
	if c == nil {
		return completedToken(Result{Status: StatusIllegalState, Cause: ErrNotConnected})
	}

	filters := make(map[string]byte, len(subs))
	for _, s := range subs {
		filters[s.Filter] = s.QoS
		c.AddRoute(s.Filter, e.deliver(s.Filter, done))
	}

	tok := c.SubscribeMultiple(filters, nil)
	return &pahoToken{Token: tok, result: func() Result {
		st, ok := tok.(*mqtt.SubscribeToken)
		if !ok {
			return sendResult(tok.Error())
		}
		granted := st.Result()
		if len(granted) == 0 {
			if err := tok.Error(); err != nil {
				return sendResult(err)
			}
		}

		// SUBSCRIBE goes out in map order; codes are matched back by filter.
		res := Result{Status: StatusSuccess, ReturnCodes: make([]byte, len(subs))}
		for i, s := range subs {
			code, ok := granted[s.Filter]
			if !ok {
				code = SubAckFailure
			}
			res.ReturnCodes[i] = code
			if code == SubAckFailure {
				res.Status = StatusSubscribeFailed
			}
		}
		return res
	}}
}

// Unsubscribe sends one UNSUBSCRIBE and drops the routes of filters.
func (e *PahoEngine) Unsubscribe(filters []string) Token {
	c, _ := e.current()
	if c == nil {
		return completedToken(Result{Status: StatusIllegalState, Cause: ErrNotConnected})
	}
	tok := c.Unsubscribe(filters...)
	return &pahoToken{Token: tok, result: func() Result { return sendResult(tok.Error()) }}
}

// Disconnect sends DISCONNECT and discards the client.
func (e *PahoEngine) Disconnect() {
	e.release()
}

// Incoming returns the inbound message channel shared by every connection.
func (e *PahoEngine) Incoming() <-chan *Message {
	return e.incoming
}

// Lost returns the loss channel of the current connection.
func (e *PahoEngine) Lost() <-chan error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lost
}

func (e *PahoEngine) current() (mqtt.Client, chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client, e.done
}

func (e *PahoEngine) release() {
	e.mu.Lock()
	c, done := e.client, e.done
	e.client, e.lost, e.done = nil, nil, nil
	e.mu.Unlock()

	if done != nil {
		close(done)
	}
	if c != nil && c.IsConnectionOpen() {
		c.Disconnect(disconnectQuiesce)
	}
}

// deliver hands inbound messages of one route to the command loop. Handlers
// of a discarded connection stop blocking once done is closed.
func (e *PahoEngine) deliver(filter string, done <-chan struct{}) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		msg := &Message{
			Topic:     m.Topic(),
			Payload:   m.Payload(),
			QoS:       m.Qos(),
			Retain:    m.Retained(),
			Dup:       m.Duplicate(),
			PacketID:  m.MessageID(),
			Timestamp: time.Now(),
			Filter:    filter,
		}
		select {
		case e.incoming <- msg:
		case <-done:
			e.logger.Debug("inbound message dropped after disconnect", slog.String("topic", msg.Topic))
		}
	}
}

type pahoToken struct {
	mqtt.Token
	result func() Result
}

func (t *pahoToken) Result() Result {
	return t.result()
}

func sendResult(err error) Result {
	if err == nil {
		return Result{Status: StatusSuccess}
	}
	return Result{Status: StatusSendFailed, Cause: err}
}

// pahoPingTimeout is the connection-lost text paho's keepalive worker
// reports when PINGRESP does not arrive in time.
const pahoPingTimeout = "pingresp not received"

// lostError classifies a paho connection loss. A missed PINGRESP is reported
// by paho as a plain error.
func lostError(err error) error {
	status := StatusRecvFailed
	if err != nil && strings.Contains(strings.ToLower(err.Error()), pahoPingTimeout) {
		status = StatusKeepAliveTimeout
	}
	return fmt.Errorf("%w: %w: %w", status, ErrConnectionLost, err)
}
