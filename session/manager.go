// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/fluxlink/bridge"
	"github.com/absmach/fluxlink/client"
	"github.com/absmach/fluxlink/link"
	"github.com/absmach/fluxlink/pkg/otel"
	"github.com/absmach/fluxlink/pkg/tls"
	"github.com/absmach/fluxlink/transport"
	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Errors returned by connection attempts.
var (
	ErrLinkDown  = errors.New("link down")
	ErrEstablish = errors.New("transport establishment failed")
	ErrConnect   = errors.New("mqtt connect failed")
)

// Establisher opens the transport of one connection attempt.
type Establisher interface {
	Establish(ctx context.Context, h *transport.Handle, creds *bridge.CredentialSet) error
}

// Protocol is the MQTT agent driven by the manager.
type Protocol interface {
	Connect(ctx context.Context, t transport.Transport, clean bool) (bool, error)
	ResumeSession(present bool)
	CommandLoop(ctx context.Context) error
	Table() *client.SubscriptionTable
	Submit(cmd *client.Command, wait time.Duration) error
	QueueLen() int
	Prune(filters ...string) int
}

var _ Protocol = (*client.Agent)(nil)

// Config holds the retry policy of the manager.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64

	// The breaker opens after BreakerFailures consecutive establishment
	// failures and lets one attempt through after BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultConfig returns the retry policy used when none is configured.
func DefaultConfig() Config {
	return Config{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
		BreakerFailures: 5,
		BreakerTimeout:  time.Minute,
	}
}

// Manager owns the connection lifecycle: it brings the session up, runs
// the agent's command loop and recovers from every fault by
// re-establishing the transport and resuming the session.
type Manager struct {
	cfg     Config
	link    link.Link
	est     Establisher
	proto   Protocol
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	metrics *otel.Metrics // nil if metrics disabled
	tracer  trace.Tracer  // nil if tracing disabled

	state *stateManager

	// Owned by Run.
	handle transport.Handle
	creds  bridge.CredentialSet
}

// New creates a manager.
func New(cfg Config, l link.Link, est Establisher, proto Protocol, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		cfg.Jitter = def.Jitter
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}

	m := &Manager{
		cfg:     cfg,
		link:    l,
		est:     est,
		proto:   proto,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		state:   newStateManager(),
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "establish",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("establish circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return m.state.get()
}

// Connected reports whether application traffic may flow.
func (m *Manager) Connected() bool {
	return m.state.isConnected()
}

// Run brings the session up and keeps it up until the command loop ends
// cleanly or ctx is done. Faults are never returned: each one leads to a
// new connection attempt, retried until it succeeds.
func (m *Manager) Run(ctx context.Context) error {
	defer func() {
		m.teardown()
		m.state.set(StateDisconnected)
	}()

	if err := m.link.Connect(ctx); err != nil {
		return err
	}
	if _, err := m.connect(ctx, true); err != nil {
		return err
	}
	m.state.set(StateConnected)

	for {
		err := m.proto.CommandLoop(ctx)
		if err == nil {
			m.logger.Info("mqtt session ended")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.state.set(StateFaulted)
		if m.metrics != nil {
			m.metrics.RecordReconnect()
			m.metrics.RecordError("session_fault")
		}
		m.logger.Warn("mqtt session faulted",
			slog.String("status", client.StatusOf(err).String()),
			slog.Int("queued", m.proto.QueueLen()),
			slog.String("error", err.Error()))
		m.teardown()

		present, err := m.connect(ctx, false)
		if err != nil {
			return err
		}
		m.proto.ResumeSession(present)
		if present {
			m.state.set(StateConnected)
			continue
		}
		m.resubscribe()
	}
}

// connect retries establish and MQTT connect until both succeed. It only
// fails when ctx is done.
func (m *Manager) connect(ctx context.Context, clean bool) (bool, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.InitialInterval
	bo.MaxInterval = m.cfg.MaxInterval
	bo.Multiplier = m.cfg.Multiplier
	bo.RandomizationFactor = m.cfg.Jitter

	return backoff.Retry(ctx, func() (bool, error) {
		return m.attempt(ctx, clean)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Warn("connection attempt failed",
				slog.Bool("clean_session", clean),
				slog.Duration("retry_in", next),
				slog.String("error", err.Error()))
		}))
}

func (m *Manager) attempt(ctx context.Context, clean bool) (bool, error) {
	m.state.set(StateSecuringTransport)
	if !m.link.IsUp() {
		return false, ErrLinkDown
	}

	if err := m.establish(ctx); err != nil {
		return false, err
	}

	present, err := m.proto.Connect(ctx, m.handle.Transport(), clean)
	if err != nil {
		m.teardown()
		return false, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	m.logger.Info("mqtt session connected",
		slog.String("local_address", net.IP(m.link.LocalAddress()).String()),
		slog.String("security", tls.SecurityStatus(&m.handle)),
		slog.Bool("clean_session", clean),
		slog.Bool("session_present", present))
	return present, nil
}

// establish runs one establishment attempt behind the circuit breaker.
func (m *Manager) establish(ctx context.Context) error {
	var span trace.Span
	if m.tracer != nil {
		ctx, span = m.tracer.Start(ctx, "session.establish")
		defer span.End()
	}

	start := time.Now()
	_, err := m.breaker.Execute(func() (interface{}, error) {
		return nil, m.est.Establish(ctx, &m.handle, &m.creds)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if span != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		return fmt.Errorf("%w: %w", ErrEstablish, err)
	}

	status := tls.StatusOf(err)
	if m.metrics != nil {
		m.metrics.RecordEstablish(status.String(), time.Since(start))
	}
	if span != nil {
		span.SetAttributes(attribute.String("establish.status", status.String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, status.String())
		}
	}
	if err != nil {
		m.teardown()
		return fmt.Errorf("%w: %s: %w", ErrEstablish, status, err)
	}
	return nil
}

// resubscribe restores every stored subscription with one batched command.
// Filters the broker rejects are pruned from the table.
func (m *Manager) resubscribe() {
	subs := m.proto.Table().Snapshot()
	if len(subs) == 0 {
		m.state.set(StateConnected)
		return
	}

	m.state.set(StateResubscribing)
	cmd := client.NewSubscribe(subs, m.resubscribed, nil)
	if err := m.proto.Submit(cmd, 0); err != nil {
		// The loop is not running yet, so waiting cannot free a slot.
		m.state.set(StateConnected)
		if m.metrics != nil {
			m.metrics.RecordError("resubscribe")
		}
		m.logger.Error("resubscribe not queued",
			slog.Int("filters", len(subs)),
			slog.String("error", err.Error()))
		return
	}
	m.logger.Info("resubscribing", slog.Int("filters", len(subs)))
}

// resubscribed runs on the command loop.
func (m *Manager) resubscribed(cmd *client.Command, res client.Result) {
	defer m.state.transition(StateResubscribing, StateConnected)

	if len(res.ReturnCodes) != len(cmd.Subscriptions) {
		if res.Status != client.StatusSuccess {
			m.logger.Warn("resubscribe failed", slog.String("status", res.Status.String()))
		}
		return
	}

	var failed []string
	for i, s := range cmd.Subscriptions {
		if res.Failed(i) {
			m.logger.Error("resubscribe rejected, filter pruned", slog.String("filter", s.Filter))
			failed = append(failed, s.Filter)
		}
	}
	if len(failed) > 0 {
		m.proto.Prune(failed...)
	}
}

// teardown closes the transport and zeroes the credentials. It is safe to
// call repeatedly.
func (m *Manager) teardown() {
	if err := m.handle.Disconnect(); err != nil {
		m.logger.Debug("transport teardown failed", slog.String("error", err.Error()))
	}
	m.creds.Reset()
}
