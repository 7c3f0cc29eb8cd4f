package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"piivault/internal/platform/config"
	"piivault/internal/platform/httpserver"
	"piivault/internal/platform/logger"
	"piivault/internal/platform/metrics"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pii-vault: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	a, err := buildApp(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer a.close()

	log.Info("starting pii-vault",
		"env", cfg.Environment,
		"addr", cfg.Addr,
		"metrics_addr", cfg.MetricsAddr,
		"persistent", cfg.Persistent(),
		"mtls", cfg.MTLS.Enabled,
	)

	srv := httpserver.New(cfg.Addr, a.handler, a.tlsConfig)
	metricsSrv := httpserver.New(cfg.MetricsAddr, metrics.Handler(reg), nil)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpserver.Run(ctx, srv, cfg.ShutdownTimeout, log) })
	g.Go(func() error { return httpserver.Run(ctx, metricsSrv, cfg.ShutdownTimeout, log) })
	return g.Wait()
}
