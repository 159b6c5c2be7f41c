// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxlink/bridge"
	"github.com/absmach/fluxlink/client"
	"github.com/absmach/fluxlink/config"
	"github.com/absmach/fluxlink/link"
	"github.com/absmach/fluxlink/pkg/otel"
	fltls "github.com/absmach/fluxlink/pkg/tls"
	"github.com/absmach/fluxlink/pkg/tls/verifier/ocsp"
	"github.com/absmach/fluxlink/secelem"
	"github.com/absmach/fluxlink/session"
	"github.com/absmach/fluxlink/storage"
	"github.com/absmach/fluxlink/storage/badger"
	"github.com/absmach/fluxlink/storage/memory"
	"github.com/absmach/fluxlink/telemetry"
	"github.com/absmach/fluxlink/transport"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	oteltrace "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const identityValidity = 10 * 365 * 24 * time.Hour

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	pahoLogger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "paho")}))
	mqtt.CRITICAL = slog.NewLogLogger(pahoLogger.Handler(), slog.LevelError)
	mqtt.ERROR = slog.NewLogLogger(pahoLogger.Handler(), slog.LevelError)
	mqtt.WARN = slog.NewLogLogger(pahoLogger.Handler(), slog.LevelWarn)

	slog.Info("Starting fluxlink", "version", cfg.Metrics.ServiceVersion)
	slog.Info("Configuration loaded",
		"endpoint", cfg.Broker.Endpoint,
		"transport", cfg.Broker.Transport,
		"secure", cfg.Broker.Secure,
		"client_id", cfg.Broker.ClientID,
		"secure_element", cfg.SecureElement.Driver,
		"se_storage", cfg.SecureElement.Storage,
		"telemetry_enabled", cfg.Telemetry.Enabled,
		"log_level", cfg.Log.Level)

	var store storage.Store
	switch cfg.SecureElement.Storage {
	case "memory":
		store = memory.New()
		slog.Info("Using in-memory secure element storage")
	case "badger":
		badgerStore, err := badger.New(badger.Config{Dir: cfg.SecureElement.BadgerDir})
		if err != nil {
			slog.Error("Failed to open secure element storage", "error", err, "dir", cfg.SecureElement.BadgerDir)
			os.Exit(1)
		}
		store = badgerStore
		slog.Info("Using BadgerDB secure element storage", "dir", cfg.SecureElement.BadgerDir)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Failed to close storage", "error", err)
		}
	}()

	curve, err := secelem.ParseCurve(cfg.SecureElement.Curve)
	if err != nil {
		slog.Error("Invalid secure element curve", "error", err)
		os.Exit(1)
	}

	dev := secelem.NewEmulator(store, secelem.WithLogger(logger))
	if cfg.SecureElement.SelfTest {
		if err := secelem.SelfTest(dev); err != nil {
			slog.Error("Secure element self-test failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Secure element self-test passed")
	}
	if _, err := dev.EnsureIdentity(cfg.SecureElement.CommonName, curve, identityValidity); err != nil {
		slog.Error("Failed to provision device identity", "error", err)
		os.Exit(1)
	}
	keys := bridge.NewSecureElement(dev, curve, secelem.Slot(cfg.SecureElement.SignSlot), logger)

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Metrics.Enabled {
		shutdown, err := otel.InitProvider(cfg.Metrics, cfg.Broker.ClientID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown

		m, err := otel.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		metrics = m
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Metrics.Endpoint)

		if cfg.Metrics.TracesEnabled {
			tracer = oteltrace.Tracer("fluxlink")
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Metrics.TraceSampleRate)
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	est, err := newEstablisher(cfg, dev, keys, logger)
	if err != nil {
		slog.Error("Failed to configure transport", "error", err)
		os.Exit(1)
	}

	opts := client.NewOptions().
		SetClientID(cfg.Broker.ClientID).
		SetCredentials(cfg.Broker.Username, cfg.Broker.Password).
		SetKeepAlive(cfg.Timeouts.KeepAlive, cfg.Timeouts.PingResp).
		SetConnAckTimeout(cfg.Timeouts.ConnAck).
		SetWriteTimeout(cfg.Timeouts.Send).
		SetCommandTimeout(cfg.Timeouts.Command).
		SetLimits(cfg.Agent.CommandQueueDepth, cfg.Agent.MaxSubscriptions, cfg.Agent.MaxFilterLength).
		SetUnsolicitedSampling(cfg.Log.UnsolicitedRate, cfg.Log.UnsolicitedBurst).
		SetLogger(logger).
		SetMetrics(metrics)
	opts.IncomingDepth = cfg.Agent.IncomingBufferDepth
	opts.NetworkBuffer = cfg.Agent.NetworkBufferSize

	agent, err := client.NewAgent(client.NewPahoEngine(opts), opts)
	if err != nil {
		slog.Error("Failed to create MQTT agent", "error", err)
		os.Exit(1)
	}

	netLink := link.NewInterface(cfg.Link.Interface, cfg.Link.PollInterval, logger)
	mgr := session.New(session.Config{
		InitialInterval: cfg.Reconnect.InitialInterval,
		MaxInterval:     cfg.Reconnect.MaxInterval,
		Multiplier:      cfg.Reconnect.Multiplier,
		Jitter:          cfg.Reconnect.Jitter,
		BreakerFailures: cfg.Reconnect.BreakerFailures,
		BreakerTimeout:  cfg.Reconnect.BreakerTimeout,
	}, netLink, est, agent, logger, metrics, tracer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	sessionDone := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sessionDone <- mgr.Run(ctx)
	}()

	if cfg.Telemetry.Enabled {
		producer, err := telemetry.New(telemetry.Config{
			Topic:     cfg.Telemetry.Topic,
			Interval:  cfg.Telemetry.Interval,
			QoS:       cfg.Telemetry.QoS,
			Format:    cfg.Telemetry.Format,
			BlockTime: cfg.Telemetry.BlockTime,
		}, agent, mgr, logger)
		if err != nil {
			slog.Error("Failed to create telemetry producer", "error", err)
			os.Exit(1)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := producer.Run(ctx); err != nil {
				slog.Error("Telemetry producer stopped", "error", err)
			}
		}()
		slog.Info("Telemetry enabled", "topic", cfg.Telemetry.Topic, "interval", cfg.Telemetry.Interval)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
		if err := agent.Terminate(cfg.Timeouts.EnqueueWait); err != nil {
			slog.Warn("Terminate not queued", "error", err)
			break
		}
		select {
		case err := <-sessionDone:
			if err != nil {
				slog.Error("Session stopped", "error", err)
			}
		case <-time.After(cfg.Timeouts.Command):
			slog.Warn("Session did not stop in time")
		}
	case err := <-sessionDone:
		if err != nil {
			slog.Error("Session stopped", "error", err)
		}
	}

	cancel()
	wg.Wait()

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("fluxlink stopped")
}

func newEstablisher(cfg *config.Config, dev secelem.Device, keys bridge.KeyOps, logger *slog.Logger) (*fltls.Establisher, error) {
	ec := fltls.Config{
		Endpoint:         cfg.Broker.Endpoint,
		Transport:        cfg.Broker.Transport,
		WSPath:           cfg.Broker.WSPath,
		Secure:           cfg.Broker.Secure,
		ServerName:       cfg.Broker.ServerNameOrHost(),
		VerifyChain:      cfg.TLS.VerifyChain,
		ConnectTimeout:   cfg.Timeouts.Connect,
		HandshakeTimeout: cfg.Timeouts.Handshake,
		ReadLimit:        int64(cfg.Agent.NetworkBufferSize),
		Timeouts: transport.Timeouts{
			Send:  cfg.Timeouts.Send,
			Recv:  cfg.Timeouts.Recv,
			Probe: cfg.Timeouts.Probe,
		},
	}
	if !cfg.Broker.Secure {
		return fltls.NewEstablisher(ec, nil, nil, logger), nil
	}

	rootCA, err := os.ReadFile(cfg.TLS.RootCAFile)
	if err != nil {
		return nil, err
	}
	ec.RootCA = rootCA
	if cfg.TLS.TrustAnchorFile != "" {
		if ec.TrustAnchor, err = os.ReadFile(cfg.TLS.TrustAnchorFile); err != nil {
			return nil, err
		}
	}
	if ec.MinVersion, err = fltls.ParseVersion(cfg.TLS.MinVersion); err != nil {
		return nil, err
	}
	if cfg.TLS.OCSP.Enabled {
		ec.OCSP = ocsp.Config{
			Depth:        cfg.TLS.OCSP.Depth,
			ResponderURL: cfg.TLS.OCSP.ResponderURL,
		}
	}
	return fltls.NewEstablisher(ec, dev, keys, logger), nil
}
