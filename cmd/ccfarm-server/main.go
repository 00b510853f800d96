// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/ccfarm/internal/server"
	"github.com/bureau-foundation/ccfarm/lib/clock"
	"github.com/bureau-foundation/ccfarm/lib/config"
	"github.com/bureau-foundation/ccfarm/lib/process"
	"github.com/bureau-foundation/ccfarm/lib/service"
	"github.com/bureau-foundation/ccfarm/lib/version"
	"github.com/bureau-foundation/ccfarm/transport"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		listen      string
		slots       int
		debug       bool
		showVersion bool
	)
	flag.StringVar(&configPath, "config", os.Getenv("CCFARM_CONFIG"), "path to ccfarm.yaml")
	flag.StringVar(&listen, "listen", "", "TCP address for manager connections (overrides server.listen)")
	flag.IntVar(&slots, "slots", 0, "number of concurrent compilers (overrides server.slots)")
	flag.BoolVar(&debug, "debug", false, "log at debug level")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Banner("ccfarm-server"))
		return nil
	}

	var cfg *config.Config
	if configPath == "" {
		cfg = config.Default()
		cfg.ExpandVariables()
	} else {
		var err error
		if cfg, err = config.LoadFile(configPath); err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if slots > 0 {
		cfg.Server.Slots = slots
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := service.NewLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repositories, err := server.OpenRepositories(cfg.Server.Repository)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	if err := os.RemoveAll(cfg.Server.Scratch); err != nil {
		return fmt.Errorf("clearing scratch directory: %w", err)
	}

	registry := service.NewRegistry()

	compileServer, err := server.New(server.Config{
		Slots:             cfg.Server.Slots,
		Workers:           cfg.Server.Workers,
		SessionTimeout:    cfg.Server.SessionTimeout.Std(),
		IdleDuringCompile: cfg.Server.IdleDuringCompile,
		ScratchRoot:       cfg.Server.Scratch,
	}, repositories, clock.Real(), logger, server.NewMetrics(registry))
	if err != nil {
		return err
	}

	listener, err := transport.NewTCPListener(cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}
	defer listener.Close()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return compileServer.Serve(ctx, listener) })
	if cfg.Server.MetricsAddress != "" {
		metrics := service.NewMetricsServer(cfg.Server.MetricsAddress, registry, logger)
		group.Go(func() error { return metrics.Serve(ctx) })
	}

	logger.Info("ccfarm-server running",
		"version", version.Info(),
		"address", listener.Address(),
		"slots", cfg.Server.Slots,
	)
	err = group.Wait()
	logger.Info("ccfarm-server stopped", "active_sessions", compileServer.ActiveSessions())
	return err
}
