// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package telemetry publishes a periodic uptime sample over the session.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxlink/client"
	"github.com/absmach/fluxlink/internal/bufpool"
	"github.com/fxamacker/cbor/v2"
)

// Payload formats.
const (
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

// Defaults.
const (
	DefaultTopic     = "v1/devices/me/telemetry"
	DefaultInterval  = 5 * time.Second
	DefaultBlockTime = 500 * time.Millisecond
)

// ErrFormat is returned for an unknown payload format.
var ErrFormat = errors.New("unsupported telemetry format")

var encMode cbor.UserBufferEncMode

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}.UserBufferEncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create telemetry CBOR encoder mode: %v", err))
	}
}

// Sample is one telemetry record.
type Sample struct {
	Ticks int64 `json:"ticks" cbor:"ticks"`
}

// Publisher queues publish commands.
type Publisher interface {
	Publish(msg *client.Message, cb client.Callback, wait time.Duration) error
}

// Gate reports whether the session can carry traffic.
type Gate interface {
	Connected() bool
}

// Config configures a Producer.
type Config struct {
	Topic     string
	Interval  time.Duration
	QoS       byte
	Format    string
	BlockTime time.Duration
}

// Producer publishes the device uptime in milliseconds every interval
// while the session is connected. Ticks are skipped otherwise.
type Producer struct {
	cfg    Config
	pub    Publisher
	gate   Gate
	logger *slog.Logger
	start  time.Time
}

// New creates a producer.
func New(cfg Config, pub Publisher, gate Gate, logger *slog.Logger) (*Producer, error) {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = DefaultBlockTime
	}
	switch cfg.Format {
	case "":
		cfg.Format = FormatJSON
	case FormatJSON, FormatCBOR:
	default:
		return nil, fmt.Errorf("%w: %q", ErrFormat, cfg.Format)
	}
	if cfg.QoS > 2 {
		return nil, client.ErrInvalidQoS
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		cfg:    cfg,
		pub:    pub,
		gate:   gate,
		logger: logger,
		start:  time.Now(),
	}, nil
}

// Run publishes until ctx is done.
func (p *Producer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Producer) tick() {
	if !p.gate.Connected() {
		return
	}

	payload, err := p.Encode(Sample{Ticks: time.Since(p.start).Milliseconds()})
	if err != nil {
		p.logger.Error("telemetry encoding failed", slog.String("error", err.Error()))
		return
	}

	msg := client.NewMessage(p.cfg.Topic, payload, p.cfg.QoS, false)
	if err := p.pub.Publish(msg, p.published, p.cfg.BlockTime); err != nil {
		p.logger.Warn("telemetry sample dropped",
			slog.String("topic", p.cfg.Topic),
			slog.String("error", err.Error()))
	}
}

func (p *Producer) published(cmd *client.Command, res client.Result) {
	if res.Status == client.StatusSuccess {
		p.logger.Debug("telemetry published",
			slog.String("topic", cmd.Message.Topic),
			slog.Int("size", len(cmd.Message.Payload)))
	}
}

// Encode serialises s in the configured format.
func (p *Producer) Encode(s Sample) ([]byte, error) {
	buf := bufpool.Get()

	var err error
	switch p.cfg.Format {
	case FormatCBOR:
		err = encMode.MarshalToBuffer(s, buf)
	default:
		err = json.NewEncoder(buf).Encode(s)
		buf.Truncate(len(bytes.TrimRight(buf.Bytes(), "\n")))
	}
	if err != nil {
		bufpool.Put(buf)
		return nil, err
	}
	return bufpool.Detach(buf), nil
}
