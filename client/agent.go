// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxlink/pkg/otel"
	"github.com/absmach/fluxlink/ratelimit"
	"github.com/absmach/fluxlink/transport"
)

const unsolicitedIdle = 10 * time.Minute

// Agent serialises every MQTT operation through one command loop. Commands
// from any goroutine are queued and run one at a time in FIFO order; their
// callbacks and all subscription handlers run on the loop goroutine.
type Agent struct {
	opts    *Options
	engine  Engine
	queue   *CommandQueue
	table   *SubscriptionTable
	logger  *slog.Logger
	metrics *otel.Metrics
	sampler *ratelimit.Sampler

	connected atomic.Bool

	// Owned by the loop goroutine.
	interrupted *Command
	resume      *Command
}

// NewAgent creates an agent driving engine.
func NewAgent(engine Engine, opts *Options) (*Agent, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		opts:    opts,
		engine:  engine,
		queue:   NewCommandQueue(opts.QueueDepth),
		table:   NewSubscriptionTable(opts.MaxSubscriptions),
		logger:  logger,
		metrics: opts.Metrics,
		sampler: ratelimit.NewSampler(opts.UnsolicitedRate, opts.UnsolicitedBurst, unsolicitedIdle),
	}, nil
}

// Connect runs a connect command over t and reports whether the broker kept
// a previous session. It runs inline and must not overlap CommandLoop.
func (a *Agent) Connect(ctx context.Context, t transport.Transport, clean bool) (bool, error) {
	cmd := &Command{Kind: CommandConnect, started: time.Now()}

	budget := a.opts.ConnAckTimeout + a.opts.WriteTimeout
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	res := a.engine.Connect(ctx, t, ConnectParams{
		CleanSession: clean,
		Filters:      a.table.Filters(),
	})
	a.complete(cmd, res)
	if err := res.Err(); err != nil {
		return false, err
	}

	if !a.connected.Swap(true) && a.metrics != nil {
		a.metrics.RecordConnected()
	}
	a.logger.Info("mqtt session connected",
		slog.Bool("clean_session", clean),
		slog.Bool("session_present", res.SessionPresent))
	return res.SessionPresent, nil
}

// ResumeSession settles the command a connection loss interrupted. When the
// broker kept the session the command runs again first thing in the next
// loop, otherwise it completes with StatusSessionLost.
func (a *Agent) ResumeSession(present bool) {
	cmd := a.interrupted
	a.interrupted = nil
	if cmd == nil {
		return
	}
	if present {
		a.logger.Info("resuming interrupted command", slog.String("kind", cmd.Kind.String()))
		a.resume = cmd
		return
	}
	a.complete(cmd, Result{Status: StatusSessionLost})
}

// Submit validates cmd and queues it, waiting up to wait for a free slot.
func (a *Agent) Submit(cmd *Command, wait time.Duration) error {
	if cmd.Kind == CommandConnect {
		return fmt.Errorf("%w: %s", ErrIllegalCommand, cmd.Kind)
	}
	if err := cmd.validate(a.opts.MaxFilterLength); err != nil {
		return err
	}
	return a.queue.Enqueue(cmd, wait)
}

// Publish queues msg.
func (a *Agent) Publish(msg *Message, cb Callback, wait time.Duration) error {
	return a.Submit(NewPublish(msg, cb, nil), wait)
}

// Subscribe queues one subscribe covering subs.
func (a *Agent) Subscribe(subs []Subscription, cb Callback, wait time.Duration) error {
	return a.Submit(NewSubscribe(subs, cb, nil), wait)
}

// Unsubscribe queues one unsubscribe covering filters.
func (a *Agent) Unsubscribe(filters []string, cb Callback, wait time.Duration) error {
	return a.Submit(NewUnsubscribe(filters, cb, nil), wait)
}

// Disconnect queues a graceful disconnect. The command loop returns nil once
// it runs.
func (a *Agent) Disconnect(wait time.Duration) error {
	return a.Submit(&Command{Kind: CommandDisconnect}, wait)
}

// Terminate queues a stop. When it runs, the loop disconnects, completes
// every command still queued with StatusTerminated and returns nil.
func (a *Agent) Terminate(wait time.Duration) error {
	return a.Submit(&Command{Kind: CommandTerminate}, wait)
}

// Table returns the subscription table. It may only be used from the loop
// goroutine, or while the loop is not running.
func (a *Agent) Table() *SubscriptionTable {
	return a.table
}

// Prune removes filters the broker rejected and returns how many were
// stored. Loop goroutine only.
func (a *Agent) Prune(filters ...string) int {
	n := a.table.Remove(filters...)
	if a.metrics != nil && n > 0 {
		for _, f := range filters {
			a.metrics.RecordSubscriptionPruned(f)
		}
		a.metrics.RecordSubscriptionRemoved(n)
	}
	return n
}

// Connected reports whether a session is up.
func (a *Agent) Connected() bool {
	return a.connected.Load()
}

// QueueLen returns the number of queued commands.
func (a *Agent) QueueLen() int {
	return a.queue.Len()
}

// CommandLoop runs queued commands and dispatches inbound messages until
// the session ends. It returns nil after a disconnect or terminate command
// and an error carrying a Status when the connection fails or a command is
// not acknowledged in time.
func (a *Agent) CommandLoop(ctx context.Context) error {
	if !a.connected.Load() {
		return fmt.Errorf("%w: %w", StatusIllegalState, ErrNotConnected)
	}

	lost := a.engine.Lost()
	incoming := a.engine.Incoming()

	timer := time.NewTimer(a.opts.CommandTimeout)
	timer.Stop()
	defer timer.Stop()

	var (
		inflight *Command
		deadline <-chan time.Time
	)

	begin := func(cmd *Command) (bool, error) {
		var end bool
		var err error
		inflight, end, err = a.start(cmd)
		if inflight != nil {
			timer.Reset(a.opts.CommandTimeout)
			deadline = timer.C
		}
		return end, err
	}

	for {
		if inflight == nil && a.resume != nil {
			cmd := a.resume
			a.resume = nil
			if end, err := begin(cmd); end {
				return err
			}
			continue
		}

		var (
			queue    <-chan *Command
			tokenOut <-chan struct{}
		)
		if inflight == nil {
			queue = a.queue.ch
		} else {
			tokenOut = inflight.token.Done()
		}

		select {
		case <-ctx.Done():
			if inflight != nil {
				a.complete(inflight, Result{Status: StatusTerminated, Cause: ctx.Err()})
			}
			a.down()
			return ctx.Err()

		case err := <-lost:
			a.interrupted = inflight
			a.down()
			a.logger.Warn("mqtt connection lost", slog.String("error", err.Error()))
			return err

		case msg := <-incoming:
			a.dispatch(msg)

		case cmd := <-queue:
			if end, err := begin(cmd); end {
				return err
			}

		case <-tokenOut:
			timer.Stop()
			deadline = nil
			cmd := inflight
			inflight = nil
			a.finish(cmd)

		case <-deadline:
			a.interrupted = inflight
			a.down()
			return fmt.Errorf("%w: %s: %w", StatusTimeout, inflight.Kind, ErrAckTimeout)
		}
	}
}

// start hands cmd to the engine. It returns the command when an
// acknowledgement is awaited and end when the loop must stop.
func (a *Agent) start(cmd *Command) (*Command, bool, error) {
	cmd.started = time.Now()

	switch cmd.Kind {
	case CommandPublish:
		cmd.token = a.engine.Publish(cmd.Message)

	case CommandSubscribe:
		if a.table.missing(cmd.Subscriptions) > a.table.Free() {
			a.complete(cmd, Result{Status: StatusNoMemory, Cause: ErrTableFull})
			return nil, false, nil
		}
		cmd.token = a.engine.Subscribe(cmd.Subscriptions)

	case CommandUnsubscribe:
		cmd.token = a.engine.Unsubscribe(cmd.Filters)

	case CommandDisconnect:
		a.engine.Disconnect()
		a.down()
		a.complete(cmd, Result{Status: StatusSuccess})
		return nil, true, nil

	case CommandTerminate:
		a.engine.Disconnect()
		a.down()
		for _, queued := range a.queue.drain() {
			a.complete(queued, Result{Status: StatusTerminated})
		}
		a.complete(cmd, Result{Status: StatusSuccess})
		return nil, true, nil

	default:
		a.complete(cmd, Result{Status: StatusIllegalState, Cause: ErrIllegalCommand})
		return nil, false, nil
	}
	return cmd, false, nil
}

func (a *Agent) finish(cmd *Command) {
	res := cmd.token.Result()

	switch cmd.Kind {
	case CommandSubscribe:
		if len(res.ReturnCodes) != len(cmd.Subscriptions) {
			break
		}
		for i, s := range cmd.Subscriptions {
			if res.Failed(i) {
				continue
			}
			_, existed := a.table.Get(s.Filter)
			if err := a.table.Set(s); err != nil {
				a.logger.Error("subscription not recorded",
					slog.String("filter", s.Filter),
					slog.String("error", err.Error()))
				continue
			}
			if !existed && a.metrics != nil {
				a.metrics.RecordSubscriptionAdded()
			}
		}

	case CommandUnsubscribe:
		if res.Status == StatusSuccess {
			if n := a.table.Remove(cmd.Filters...); n > 0 && a.metrics != nil {
				a.metrics.RecordSubscriptionRemoved(n)
			}
		}

	case CommandPublish:
		if res.Status == StatusSuccess && a.metrics != nil {
			a.metrics.RecordMessagePublished(cmd.Message.QoS, int64(len(cmd.Message.Payload)))
		}
	}

	a.complete(cmd, res)
}

// complete records the outcome of cmd and runs its callback.
func (a *Agent) complete(cmd *Command, res Result) {
	if a.metrics != nil {
		var d time.Duration
		if !cmd.started.IsZero() {
			d = time.Since(cmd.started)
		}
		a.metrics.RecordCommand(cmd.Kind.String(), res.Status.String(), d)
	}
	if res.Status != StatusSuccess {
		attrs := []any{
			slog.String("kind", cmd.Kind.String()),
			slog.String("status", res.Status.String()),
		}
		if res.Cause != nil {
			attrs = append(attrs, slog.String("error", res.Cause.Error()))
		}
		a.logger.Warn("mqtt command failed", attrs...)
	}

	if cmd.Callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("command callback panic recovered",
				slog.String("kind", cmd.Kind.String()),
				slog.Any("panic", r))
		}
	}()
	cmd.Callback(cmd, res)
}

// dispatch offers msg to the subscription it matched. Messages no record
// claims are logged, sampled per topic, and dropped.
func (a *Agent) dispatch(msg *Message) {
	sub, ok := a.table.Get(msg.Filter)
	if a.metrics != nil {
		a.metrics.RecordMessageReceived(ok)
	}
	if !ok {
		if allow, suppressed := a.sampler.Allow(msg.Topic); allow {
			a.logger.Warn("unsolicited message dropped",
				slog.String("topic", msg.Topic),
				slog.Int("qos", int(msg.QoS)),
				slog.Int("size", len(msg.Payload)),
				slog.Uint64("suppressed", suppressed))
		}
		return
	}
	if sub.Handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			if a.metrics != nil {
				a.metrics.RecordError("handler_panic")
			}
			a.logger.Error("message handler panic recovered",
				slog.String("topic", msg.Topic),
				slog.String("filter", msg.Filter),
				slog.Any("panic", r))
		}
	}()
	sub.Handler(msg)
}

func (a *Agent) down() {
	if a.connected.Swap(false) && a.metrics != nil {
		a.metrics.RecordDisconnected()
	}
}
