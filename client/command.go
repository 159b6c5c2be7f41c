// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"time"

	"github.com/absmach/fluxlink/topics"
)

// SubAckFailure is the SUBACK return code for a rejected filter.
const SubAckFailure byte = 0x80

// CommandKind identifies the operation a Command carries.
type CommandKind uint8

// Command kinds.
const (
	CommandConnect CommandKind = iota
	CommandPublish
	CommandSubscribe
	CommandUnsubscribe
	CommandDisconnect
	CommandTerminate
)

// String returns the kind name.
func (k CommandKind) String() string {
	switch k {
	case CommandConnect:
		return "connect"
	case CommandPublish:
		return "publish"
	case CommandSubscribe:
		return "subscribe"
	case CommandUnsubscribe:
		return "unsubscribe"
	case CommandDisconnect:
		return "disconnect"
	case CommandTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// MessageHandler receives messages that matched a subscription.
type MessageHandler func(msg *Message)

// Subscription pairs a topic filter with its requested QoS and handler.
type Subscription struct {
	Filter  string
	QoS     byte
	Handler MessageHandler
}

// Callback runs once, inside the command loop, when a command completes.
type Callback func(cmd *Command, res Result)

// Result is the outcome of a command.
type Result struct {
	Status Status

	// SessionPresent is set by a connect.
	SessionPresent bool
	// ReturnCodes holds one SUBACK code per filter, in command order.
	ReturnCodes []byte
	// Cause is the underlying error, if any.
	Cause error
}

// Err returns nil on success and an error matching both Status and Cause
// otherwise.
func (r Result) Err() error {
	switch {
	case r.Status == StatusSuccess:
		return nil
	case r.Cause != nil:
		return fmt.Errorf("%w: %w", r.Status, r.Cause)
	default:
		return r.Status
	}
}

// Failed reports whether the broker rejected the i-th filter.
func (r Result) Failed(i int) bool {
	return i < len(r.ReturnCodes) && r.ReturnCodes[i] == SubAckFailure
}

// Command is one queued operation. Its Context and payload belong to the
// command until Callback has run and must not be reused before then.
type Command struct {
	Kind CommandKind

	Message       *Message       // CommandPublish
	Subscriptions []Subscription // CommandSubscribe
	Filters       []string       // CommandUnsubscribe

	Callback Callback
	Context  any

	enqueued time.Time
	started  time.Time
	token    Token
}

// NewPublish returns a publish command.
func NewPublish(msg *Message, cb Callback, ctx any) *Command {
	return &Command{Kind: CommandPublish, Message: msg, Callback: cb, Context: ctx}
}

// NewSubscribe returns a subscribe command for one batch of filters.
func NewSubscribe(subs []Subscription, cb Callback, ctx any) *Command {
	return &Command{Kind: CommandSubscribe, Subscriptions: subs, Callback: cb, Context: ctx}
}

// NewUnsubscribe returns an unsubscribe command.
func NewUnsubscribe(filters []string, cb Callback, ctx any) *Command {
	return &Command{Kind: CommandUnsubscribe, Filters: filters, Callback: cb, Context: ctx}
}

// SubscribedFilters returns the filters of a subscribe command in order.
func (c *Command) SubscribedFilters() []string {
	filters := make([]string, len(c.Subscriptions))
	for i, s := range c.Subscriptions {
		filters[i] = s.Filter
	}
	return filters
}

func (c *Command) validate(maxFilterLen int) error {
	checkFilter := func(f string) error {
		switch {
		case f == "":
			return ErrEmptyFilter
		case maxFilterLen > 0 && len(f) > maxFilterLen:
			return fmt.Errorf("%w: %d > %d", ErrFilterTooLong, len(f), maxFilterLen)
		}
		if err := topics.ValidateTopicFilter(f); err != nil {
			return fmt.Errorf("%w: %q: %w", ErrInvalidTopic, f, err)
		}
		return nil
	}

	switch c.Kind {
	case CommandPublish:
		if c.Message == nil {
			return ErrInvalidTopic
		}
		if err := topics.ValidateTopicName(c.Message.Topic); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTopic, err)
		}
		if c.Message.QoS > 2 {
			return ErrInvalidQoS
		}
	case CommandSubscribe:
		if len(c.Subscriptions) == 0 {
			return ErrNoFilters
		}
		for _, s := range c.Subscriptions {
			if err := checkFilter(s.Filter); err != nil {
				return err
			}
			if s.QoS > 2 {
				return ErrInvalidQoS
			}
		}
	case CommandUnsubscribe:
		if len(c.Filters) == 0 {
			return ErrNoFilters
		}
		for _, f := range c.Filters {
			if err := checkFilter(f); err != nil {
				return err
			}
		}
	case CommandDisconnect, CommandTerminate:
	default:
		return fmt.Errorf("%w: %s", ErrIllegalCommand, c.Kind)
	}
	return nil
}
