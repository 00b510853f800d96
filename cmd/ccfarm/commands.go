// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/ccfarm/internal/manager"
	"github.com/bureau-foundation/ccfarm/lib/config"
	"github.com/bureau-foundation/ccfarm/lib/discovery"
	"github.com/bureau-foundation/ccfarm/lib/nodes"
	"github.com/bureau-foundation/ccfarm/lib/service"
	"github.com/bureau-foundation/ccfarm/lib/version"
)

const statusTimeout = 10 * time.Second

func root(stdout io.Writer) *command {
	return &command{
		name:    "ccfarm",
		summary: "Inspect and check a ccfarm compilation farm.",
		subcommands: []*command{
			statusCommand(stdout),
			{
				name:        "nodes",
				summary:     "Work with node lists",
				subcommands: []*command{nodesCheckCommand(stdout)},
			},
			{
				name:        "config",
				summary:     "Work with configuration files",
				subcommands: []*command{configCheckCommand(stdout)},
			},
			{
				name:    "version",
				summary: "Print version information",
				run: func([]string) error {
					fmt.Fprintf(stdout, "ccfarm %s\n", version.Full())
					return nil
				},
			},
		},
	}
}

// loadConfig reads path, falling back to the defaults when it is
// empty.
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

func statusCommand(stdout io.Writer) *command {
	var (
		socket     string
		configPath string
		asJSON     bool
	)
	return &command{
		name:    "status",
		summary: "Show the manager's nodes, queue and caches",
		flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flags.StringVar(&socket, "socket", "", "manager admin socket")
			flags.StringVar(&configPath, "config", os.Getenv("CCFARM_CONFIG"), "path to ccfarm.yaml")
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			if socket == "" {
				cfg, err := loadConfig(configPath)
				if err != nil {
					return err
				}
				socket = cfg.Manager.AdminSocket
			}

			ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
			defer cancel()
			status, err := service.Query[manager.Status](ctx, service.NewAdminClient(socket), "status")
			if err != nil {
				return err
			}
			if asJSON {
				if status.Nodes == nil {
					status.Nodes = []nodes.NodeStatus{}
				}
				encoder := json.NewEncoder(stdout)
				encoder.SetIndent("", "  ")
				return encoder.Encode(status)
			}
			writeStatus(stdout, status)
			return nil
		},
	}
}

func writeStatus(w io.Writer, status manager.Status) {
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tADDRESS\tSLOTS\tRUNNING\tAVG\tSENT\tDONE\tFAILED\tCANCELLED\tTIMED OUT\tTOO LATE\tTERMINATED")
	for _, node := range status.Nodes {
		average := time.Duration(node.AverageTaskTime * float64(time.Second)).Round(time.Millisecond)
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			node.ID, node.Address, node.Slots, node.Running, average,
			node.Sent, node.Completed, node.Failed, node.Cancelled, node.TimedOut, node.TooLate, node.Terminated)
	}
	tw.Flush()
	fmt.Fprintf(w, "\nqueued: %d  sessions: %d  cached payloads: %d\n", status.Queued, status.Sessions, status.CachedPayloads)
}

func nodesCheckCommand(stdout io.Writer) *command {
	return &command{
		name:    "check",
		summary: "Validate a JSONC node list",
		usage:   "ccfarm nodes check FILE",
		run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected one node list file")
			}
			found, err := discovery.StaticProvider{Path: args[0]}.Discover(context.Background())
			if err != nil {
				return err
			}
			slots := 0
			for _, node := range found {
				slots += node.Slots
				fmt.Fprintf(stdout, "%s\t%d slots\n", node.Info().ID(), node.Slots)
			}
			fmt.Fprintf(stdout, "%d nodes, %d slots\n", len(found), slots)
			return nil
		},
	}
}

func configCheckCommand(stdout io.Writer) *command {
	var configPath string
	return &command{
		name:    "check",
		summary: "Load and validate a configuration and print the result",
		flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("check", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", os.Getenv("CCFARM_CONFIG"), "path to ccfarm.yaml")
			return flags
		},
		run: func(args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			encoder := yaml.NewEncoder(stdout)
			encoder.SetIndent(2)
			if err := encoder.Encode(cfg); err != nil {
				return err
			}
			return encoder.Close()
		},
	}
}
