// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/fluxlink/pkg/otel"
)

// Default values.
const (
	DefaultKeepAlive        = 60 * time.Second
	DefaultPingTimeout      = 5 * time.Second
	DefaultConnAckTimeout   = 2 * time.Second
	DefaultWriteTimeout     = 20 * time.Second
	DefaultCommandTimeout   = 30 * time.Second
	DefaultQueueDepth       = 25
	DefaultMaxSubscriptions = 10
	DefaultMaxFilterLength  = 100
	DefaultIncomingDepth    = 32
	DefaultNetworkBuffer    = 1200
)

// ErrEmptyClientID is returned by Validate.
var ErrEmptyClientID = errors.New("client ID cannot be empty")

// Options configures the agent and its protocol engine.
type Options struct {
	// Session
	ClientID       string        // Client identifier
	Username       string        // Optional username
	Password       string        // Optional password
	KeepAlive      time.Duration // Keep-alive interval (0 to disable)
	PingTimeout    time.Duration // Timeout waiting for PINGRESP
	ConnAckTimeout time.Duration // Timeout waiting for CONNACK
	WriteTimeout   time.Duration // Timeout for one packet write

	// Agent
	CommandTimeout   time.Duration // Timeout waiting for a command acknowledgement
	QueueDepth       int           // Command queue capacity
	MaxSubscriptions int           // Subscription table capacity
	MaxFilterLength  int           // Longest accepted topic filter
	IncomingDepth    int           // Inbound message buffer
	NetworkBuffer    int           // Largest single transport read, 0 for no bound

	// Unsolicited message warnings allowed per second, and burst.
	UnsolicitedRate  float64
	UnsolicitedBurst int

	Logger  *slog.Logger
	Metrics *otel.Metrics // nil disables metrics
}

// NewOptions creates Options with the device defaults.
func NewOptions() *Options {
	return &Options{
		KeepAlive:        DefaultKeepAlive,
		PingTimeout:      DefaultPingTimeout,
		ConnAckTimeout:   DefaultConnAckTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		CommandTimeout:   DefaultCommandTimeout,
		QueueDepth:       DefaultQueueDepth,
		MaxSubscriptions: DefaultMaxSubscriptions,
		MaxFilterLength:  DefaultMaxFilterLength,
		IncomingDepth:    DefaultIncomingDepth,
		NetworkBuffer:    DefaultNetworkBuffer,
		UnsolicitedRate:  1,
		UnsolicitedBurst: 5,
	}
}

// SetClientID sets the client identifier.
func (o *Options) SetClientID(id string) *Options {
	o.ClientID = id
	return o
}

// SetCredentials sets username and password.
func (o *Options) SetCredentials(username, password string) *Options {
	o.Username = username
	o.Password = password
	return o
}

// SetKeepAlive sets the keep-alive interval and the PINGRESP wait.
func (o *Options) SetKeepAlive(interval, pingTimeout time.Duration) *Options {
	o.KeepAlive = interval
	o.PingTimeout = pingTimeout
	return o
}

// SetConnAckTimeout sets the CONNACK wait.
func (o *Options) SetConnAckTimeout(d time.Duration) *Options {
	o.ConnAckTimeout = d
	return o
}

// SetWriteTimeout sets the packet write timeout.
func (o *Options) SetWriteTimeout(d time.Duration) *Options {
	o.WriteTimeout = d
	return o
}

// SetCommandTimeout sets the acknowledgement wait of one command.
func (o *Options) SetCommandTimeout(d time.Duration) *Options {
	o.CommandTimeout = d
	return o
}

// SetLimits sets the queue depth, subscription capacity and filter length.
func (o *Options) SetLimits(queueDepth, maxSubscriptions, maxFilterLength int) *Options {
	o.QueueDepth = queueDepth
	o.MaxSubscriptions = maxSubscriptions
	o.MaxFilterLength = maxFilterLength
	return o
}

// SetUnsolicitedSampling sets how many unsolicited message warnings are
// logged per second.
func (o *Options) SetUnsolicitedSampling(rate float64, burst int) *Options {
	o.UnsolicitedRate = rate
	o.UnsolicitedBurst = burst
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetMetrics sets the metrics sink.
func (o *Options) SetMetrics(m *otel.Metrics) *Options {
	o.Metrics = m
	return o
}

// Validate checks the options and fills zero limits with defaults.
func (o *Options) Validate() error {
	if o.ClientID == "" {
		return ErrEmptyClientID
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.MaxSubscriptions <= 0 {
		o.MaxSubscriptions = DefaultMaxSubscriptions
	}
	if o.MaxFilterLength <= 0 {
		o.MaxFilterLength = DefaultMaxFilterLength
	}
	if o.IncomingDepth <= 0 {
		o.IncomingDepth = DefaultIncomingDepth
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.ConnAckTimeout <= 0 {
		o.ConnAckTimeout = DefaultConnAckTimeout
	}
	return nil
}
