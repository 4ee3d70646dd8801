// Package main implements the entry point for the interface microservice:
// the long-running supervisor bridging one bidirectional device link and
// the NATS-backed streaming message store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/finchlt/cosmos/config"
	"github.com/finchlt/cosmos/dictionary"
	"github.com/finchlt/cosmos/link"
	"github.com/finchlt/cosmos/link/serial"
	"github.com/finchlt/cosmos/link/tcp"
	"github.com/finchlt/cosmos/link/udp"
	"github.com/finchlt/cosmos/link/websocket"
	"github.com/finchlt/cosmos/metric"
	"github.com/finchlt/cosmos/microservice"
	"github.com/finchlt/cosmos/natsclient"
	"github.com/finchlt/cosmos/pkg/retry"
	"github.com/finchlt/cosmos/store"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "interface-microservice"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	slog.Info("starting interface microservice",
		"name", cfg.MicroserviceName(),
		"config_path", cliCfg.ConfigPath)

	ctx := context.Background()
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	natsClient, st, err := setupStore(signalCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	metricsRegistry := metric.NewRegistry()
	if cliCfg.MetricsPort > 0 {
		serveMetrics(metricsRegistry, cliCfg.MetricsPort)
	}

	m, err := buildMicroservice(cfg, st, logger, metricsRegistry)
	if err != nil {
		return err
	}

	if err := m.Initialize(); err != nil {
		return fmt.Errorf("initialize microservice: %w", err)
	}
	if err := m.Start(signalCtx); err != nil {
		return fmt.Errorf("start microservice: %w", err)
	}
	slog.Info("interface microservice started")

	// Run until a worker dies or a shutdown signal arrives
	waitErr := make(chan error, 1)
	go func() { waitErr <- m.Wait() }()

	select {
	case err := <-waitErr:
		if err != nil {
			slog.Error("worker failed", "error", err)
		}
	case <-signalCtx.Done():
		slog.Info("received shutdown signal")
	}

	if err := m.Stop(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("interface microservice shutdown complete")
	return nil
}

// setupStore connects the NATS client and wraps it as the message store
func setupStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, *store.Store, error) {
	opts := []natsclient.Option{
		natsclient.WithLogger(logger),
		natsclient.WithClientName(cfg.MicroserviceName()),
	}
	if cfg.NATS.MaxReconnects != 0 {
		opts = append(opts, natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects))
	}
	if cfg.NATS.ReconnectWait.Std() > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()))
	}

	natsClient := natsclient.NewClient(cfg.NATS.URL, opts...)

	connect := func() error {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return natsClient.Connect(connectCtx)
	}
	if err := retry.Do(ctx, retry.DefaultConfig(), connect); err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return natsClient, store.New(natsClient, cfg.Scope, logger), nil
}

// buildLink constructs the configured link driver
func buildLink(cfg *config.Config, logger *slog.Logger) (link.Link, error) {
	opts := link.Options{
		Name:           cfg.Interface.Name,
		TargetNames:    cfg.Interface.Targets,
		AutoReconnect:  cfg.Interface.AutoReconnect,
		ReconnectDelay: cfg.Interface.ReconnectDelay.Std(),
		ReadAllowed:    cfg.Interface.ReadAllowed,
	}

	switch cfg.Interface.Type {
	case "tcp":
		return tcp.New(tcp.Config{
			Address:    cfg.Interface.TCP.Address,
			WriteRate:  cfg.Interface.TCP.WriteRate,
			WriteBurst: cfg.Interface.TCP.WriteBurst,
		}, opts, logger), nil
	case "udp":
		return udp.New(udp.Config{
			BindAddress:    cfg.Interface.UDP.BindAddress,
			WriteAddress:   cfg.Interface.UDP.WriteAddress,
			ReadBufferSize: cfg.Interface.UDP.ReadBufferSize,
		}, opts, logger), nil
	case "serial":
		return serial.New(serial.Config{
			Device:   cfg.Interface.Serial.Device,
			BaudRate: cfg.Interface.Serial.BaudRate,
		}, opts, logger), nil
	case "websocket":
		return websocket.New(websocket.Config{
			URL: cfg.Interface.Websocket.URL,
		}, opts, logger), nil
	default:
		return nil, fmt.Errorf("unknown interface type %q", cfg.Interface.Type)
	}
}

// buildMicroservice wires the link, dictionary, and store into the
// microservice instance
func buildMicroservice(cfg *config.Config, st *store.Store,
	logger *slog.Logger, metrics *metric.Registry) (*microservice.Microservice, error) {
	l, err := buildLink(cfg, logger)
	if err != nil {
		return nil, err
	}

	var exceptions microservice.ExceptionWriter
	if cfg.ExceptionDir != "" {
		exceptions, err = microservice.NewFileExceptionWriter(cfg.ExceptionDir)
		if err != nil {
			return nil, fmt.Errorf("create exception writer: %w", err)
		}
	}

	m, err := microservice.New(microservice.Deps{
		Name:       cfg.MicroserviceName(),
		Link:       l,
		Dictionary: dictionary.NewEmpty(),
		Store:      st,
		Logger:     logger,
		Metrics:    metrics,
		Exceptions: exceptions,
	})
	if err != nil {
		return nil, fmt.Errorf("create microservice: %w", err)
	}
	return m, nil
}

// serveMetrics exposes the Prometheus registry on the given port
func serveMetrics(registry *metric.Registry, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}
