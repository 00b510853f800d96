// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/ccfarm/internal/manager"
	"github.com/bureau-foundation/ccfarm/lib/clock"
	"github.com/bureau-foundation/ccfarm/lib/config"
	"github.com/bureau-foundation/ccfarm/lib/discovery"
	"github.com/bureau-foundation/ccfarm/lib/nodes"
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
		debug       bool
		showVersion bool
	)
	flag.StringVar(&configPath, "config", os.Getenv("CCFARM_CONFIG"), "path to ccfarm.yaml")
	flag.BoolVar(&debug, "debug", false, "log at debug level")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Banner("ccfarm-manager"))
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := service.NewLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := service.NewRegistry()

	clk := clock.Real()
	m, err := manager.New(manager.Config{
		MachineID: cfg.Manager.MachineID,
		Nodes: nodes.Config{
			MaxAttempts: cfg.Manager.MaxAttempts,
			GracePolls:  cfg.Manager.GracePolls,
		},
		Workers:     cfg.Manager.Workers,
		ScanWorkers: cfg.Manager.ScanWorkers,
	}, clk, logger, manager.NewMetrics(registry))
	if err != nil {
		return err
	}

	clients, err := transport.NewUnixListener(cfg.Manager.ClientSocket)
	if err != nil {
		return fmt.Errorf("client socket: %w", err)
	}
	defer clients.Close()

	admin := service.NewAdminServer(cfg.Manager.AdminSocket, logger)
	admin.Handle("status", func(ctx context.Context, _ []byte) (any, error) {
		return m.Status(ctx)
	})

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return m.Run(ctx) })
	group.Go(func() error { return clients.Serve(ctx, m.HandleClient) })
	group.Go(func() error { return admin.Serve(ctx) })
	group.Go(func() error {
		discovery.Poll(ctx, cfg.NodeProvider(), clk, cfg.Manager.PollInterval.Std(), logger, m.Refresh)
		return nil
	})
	if cfg.Manager.MetricsAddress != "" {
		metrics := service.NewMetricsServer(cfg.Manager.MetricsAddress, registry, logger)
		group.Go(func() error { return metrics.Serve(ctx) })
	}

	logger.Info("ccfarm-manager running",
		"version", version.Info(),
		"client_socket", clients.Address(),
		"admin_socket", cfg.Manager.AdminSocket,
		"machine", cfg.Manager.MachineID,
	)
	err = group.Wait()
	logger.Info("ccfarm-manager stopped")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// loadConfig reads path, or uses the defaults when no file is named.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		cfg.ExpandVariables()
		return cfg, nil
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
