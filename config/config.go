// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the device connectivity agent.
type Config struct {
	Log           LogConfig           `yaml:"log"`
	Broker        BrokerConfig        `yaml:"broker"`
	TLS           TLSConfig           `yaml:"tls"`
	SecureElement SecureElementConfig `yaml:"secure_element"`
	Link          LinkConfig          `yaml:"link"`
	Agent         AgentConfig         `yaml:"agent"`
	Timeouts      TimeoutConfig       `yaml:"timeouts"`
	Reconnect     ReconnectConfig     `yaml:"reconnect"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json

	// Unsolicited message warnings allowed per second.
	UnsolicitedRate  float64 `yaml:"unsolicited_rate"`
	UnsolicitedBurst int     `yaml:"unsolicited_burst"`
}

// BrokerConfig describes the MQTT endpoint and session identity.
type BrokerConfig struct {
	Endpoint   string `yaml:"endpoint"`    // host:port
	Transport  string `yaml:"transport"`   // tcp, ws
	WSPath     string `yaml:"ws_path"`     // used when transport is ws
	Secure     bool   `yaml:"secure"`      // TLS with coprocessor-backed credentials
	ServerName string `yaml:"server_name"` // SNI and verification name, defaults to endpoint host
	ClientID   string `yaml:"client_id"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
}

// TLSConfig holds secured transport settings.
type TLSConfig struct {
	RootCAFile      string     `yaml:"root_ca_file"`
	TrustAnchorFile string     `yaml:"trust_anchor_file"` // overrides the built-in anchor appended to the chain
	MinVersion      string     `yaml:"min_version"`       // tls1.2, tls1.3
	VerifyChain     bool       `yaml:"verify_chain"`      // re-verify broker chain signatures on the coprocessor
	OCSP            OCSPConfig `yaml:"ocsp"`
}

// OCSPConfig controls the optional OCSP check of the broker certificate.
type OCSPConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Depth        uint   `yaml:"depth"`
	ResponderURL string `yaml:"responder_url"`
}

// SecureElementConfig selects the coprocessor backend.
type SecureElementConfig struct {
	Driver     string `yaml:"driver"`  // emulator
	Storage    string `yaml:"storage"` // memory, badger
	BadgerDir  string `yaml:"badger_dir"`
	Curve      string `yaml:"curve"` // P-256, P-384
	SignSlot   uint8  `yaml:"sign_slot"`
	CommonName string `yaml:"common_name"` // subject of the provisioned leaf
	SelfTest   bool   `yaml:"self_test"`
}

// LinkConfig holds the link-layer gate settings.
type LinkConfig struct {
	Interface    string        `yaml:"interface"` // empty accepts any non-loopback interface
	PollInterval time.Duration `yaml:"poll_interval"`
}

// AgentConfig holds protocol agent limits.
type AgentConfig struct {
	CommandQueueDepth   int `yaml:"command_queue_depth"`
	MaxSubscriptions    int `yaml:"max_subscriptions"`
	MaxFilterLength     int `yaml:"max_filter_length"`
	NetworkBufferSize   int `yaml:"network_buffer_size"`
	IncomingBufferDepth int `yaml:"incoming_buffer_depth"`
}

// TimeoutConfig holds every blocking budget used on the connection path.
type TimeoutConfig struct {
	Handshake   time.Duration `yaml:"handshake"`
	Connect     time.Duration `yaml:"connect"`
	KeepAlive   time.Duration `yaml:"keep_alive"`
	PingResp    time.Duration `yaml:"ping_resp"`
	ConnAck     time.Duration `yaml:"connack"`
	Send        time.Duration `yaml:"send"`
	Recv        time.Duration `yaml:"recv"`
	Probe       time.Duration `yaml:"probe"`
	Command     time.Duration `yaml:"command"`
	EnqueueWait time.Duration `yaml:"enqueue_wait"`
}

// ReconnectConfig holds retry policy.
type ReconnectConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`

	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// TelemetryConfig holds the periodic producer settings.
type TelemetryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Topic     string        `yaml:"topic"`
	Interval  time.Duration `yaml:"interval"`
	QoS       byte          `yaml:"qos"`
	Format    string        `yaml:"format"` // json, cbor
	BlockTime time.Duration `yaml:"block_time"`
}

// MetricsConfig holds OpenTelemetry settings.
type MetricsConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"`
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a configuration with the device defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:            "info",
			Format:           "text",
			UnsolicitedRate:  1,
			UnsolicitedBurst: 5,
		},
		Broker: BrokerConfig{
			Endpoint:  "localhost:1883",
			Transport: "tcp",
			WSPath:    "/mqtt",
			Secure:    false,
			ClientID:  "fluxlink-" + uuid.NewString()[:8],
		},
		TLS: TLSConfig{
			MinVersion:  "tls1.2",
			VerifyChain: true,
			OCSP: OCSPConfig{
				Depth: 1,
			},
		},
		SecureElement: SecureElementConfig{
			Driver:     "emulator",
			Storage:    "memory",
			BadgerDir:  "/tmp/fluxlink/se",
			Curve:      "P-256",
			SignSlot:   0,
			CommonName: "fluxlink-device",
			SelfTest:   true,
		},
		Link: LinkConfig{
			PollInterval: time.Second,
		},
		Agent: AgentConfig{
			CommandQueueDepth:   25,
			MaxSubscriptions:    10,
			MaxFilterLength:     100,
			NetworkBufferSize:   1200,
			IncomingBufferDepth: 32,
		},
		Timeouts: TimeoutConfig{
			Handshake:   10 * time.Second,
			Connect:     10 * time.Second,
			KeepAlive:   60 * time.Second,
			PingResp:    5 * time.Second,
			ConnAck:     2 * time.Second,
			Send:        20 * time.Second,
			Recv:        time.Second,
			Probe:       10 * time.Millisecond,
			Command:     30 * time.Second,
			EnqueueWait: 500 * time.Millisecond,
		},
		Reconnect: ReconnectConfig{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
			Multiplier:      2.0,
			Jitter:          0.2,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:   true,
			Topic:     "v1/devices/me/telemetry",
			Interval:  5 * time.Second,
			QoS:       1,
			Format:    "json",
			BlockTime: 500 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxlink",
			ServiceVersion:  "1.0.0",
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ServerNameOrHost returns the TLS verification name, falling back to the endpoint host.
func (b BrokerConfig) ServerNameOrHost() string {
	if b.ServerName != "" {
		return b.ServerName
	}
	host, _, err := net.SplitHostPort(b.Endpoint)
	if err != nil {
		return b.Endpoint
	}
	return host
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}
	if c.Log.UnsolicitedRate <= 0 || c.Log.UnsolicitedBurst < 1 {
		return fmt.Errorf("log.unsolicited_rate and log.unsolicited_burst must be positive")
	}

	if c.Broker.Endpoint == "" {
		return fmt.Errorf("broker.endpoint cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.Broker.Endpoint); err != nil {
		return fmt.Errorf("broker.endpoint must be host:port: %w", err)
	}
	if c.Broker.Transport != "tcp" && c.Broker.Transport != "ws" {
		return fmt.Errorf("broker.transport must be one of: tcp, ws")
	}
	if c.Broker.ClientID == "" {
		return fmt.Errorf("broker.client_id cannot be empty")
	}
	if len(c.Broker.ClientID) > 23 && c.Broker.Username == "" {
		// MQTT 3.1.1 only guarantees 23-byte identifiers for anonymous clients.
		return fmt.Errorf("broker.client_id longer than 23 bytes requires broker.username")
	}

	if c.Broker.Secure {
		if c.TLS.RootCAFile == "" {
			return fmt.Errorf("tls.root_ca_file required when broker.secure is set")
		}
		if c.TLS.MinVersion != "tls1.2" && c.TLS.MinVersion != "tls1.3" {
			return fmt.Errorf("tls.min_version must be one of: tls1.2, tls1.3")
		}
		if c.TLS.OCSP.Enabled && c.TLS.OCSP.Depth == 0 {
			return fmt.Errorf("tls.ocsp.depth must be at least 1 when OCSP is enabled")
		}
	}

	if c.SecureElement.Driver != "emulator" {
		return fmt.Errorf("secure_element.driver must be: emulator")
	}
	if c.SecureElement.Storage != "memory" && c.SecureElement.Storage != "badger" {
		return fmt.Errorf("secure_element.storage must be one of: memory, badger")
	}
	if c.SecureElement.Storage == "badger" && c.SecureElement.BadgerDir == "" {
		return fmt.Errorf("secure_element.badger_dir required when storage is badger")
	}
	if c.SecureElement.Curve != "P-256" && c.SecureElement.Curve != "P-384" {
		return fmt.Errorf("secure_element.curve must be one of: P-256, P-384")
	}

	if c.Link.PollInterval <= 0 {
		return fmt.Errorf("link.poll_interval must be positive")
	}

	if c.Agent.CommandQueueDepth < 1 {
		return fmt.Errorf("agent.command_queue_depth must be at least 1")
	}
	if c.Agent.MaxSubscriptions < 1 {
		return fmt.Errorf("agent.max_subscriptions must be at least 1")
	}
	if c.Agent.MaxFilterLength < 1 || c.Agent.MaxFilterLength > 65535 {
		return fmt.Errorf("agent.max_filter_length must be between 1 and 65535")
	}
	if c.Agent.NetworkBufferSize < 128 {
		return fmt.Errorf("agent.network_buffer_size must be at least 128 bytes")
	}
	if c.Agent.IncomingBufferDepth < 1 {
		return fmt.Errorf("agent.incoming_buffer_depth must be at least 1")
	}

	for name, d := range map[string]time.Duration{
		"handshake":    c.Timeouts.Handshake,
		"connect":      c.Timeouts.Connect,
		"keep_alive":   c.Timeouts.KeepAlive,
		"ping_resp":    c.Timeouts.PingResp,
		"connack":      c.Timeouts.ConnAck,
		"send":         c.Timeouts.Send,
		"recv":         c.Timeouts.Recv,
		"probe":        c.Timeouts.Probe,
		"command":      c.Timeouts.Command,
		"enqueue_wait": c.Timeouts.EnqueueWait,
	} {
		if d <= 0 {
			return fmt.Errorf("timeouts.%s must be positive", name)
		}
	}
	if c.Timeouts.KeepAlive < time.Second {
		return fmt.Errorf("timeouts.keep_alive must be at least 1 second")
	}

	if c.Reconnect.InitialInterval <= 0 || c.Reconnect.MaxInterval < c.Reconnect.InitialInterval {
		return fmt.Errorf("reconnect.initial_interval must be positive and not exceed reconnect.max_interval")
	}
	if c.Reconnect.Multiplier < 1.0 {
		return fmt.Errorf("reconnect.multiplier must be at least 1.0")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be between 0.0 and 1.0")
	}
	if c.Reconnect.BreakerFailures < 1 {
		return fmt.Errorf("reconnect.breaker_failures must be at least 1")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Topic == "" {
			return fmt.Errorf("telemetry.topic cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.Interval < 100*time.Millisecond {
			return fmt.Errorf("telemetry.interval must be at least 100ms")
		}
		if c.Telemetry.QoS > 2 {
			return fmt.Errorf("telemetry.qos must be 0, 1 or 2")
		}
		if c.Telemetry.Format != "json" && c.Telemetry.Format != "cbor" {
			return fmt.Errorf("telemetry.format must be one of: json, cbor")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.ServiceName == "" {
			return fmt.Errorf("metrics.service_name cannot be empty when metrics enabled")
		}
		if c.Metrics.TraceSampleRate < 0.0 || c.Metrics.TraceSampleRate > 1.0 {
			return fmt.Errorf("metrics.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
