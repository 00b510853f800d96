// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package discovery supplies the set of compile servers the manager
// may use.
//
// A [Provider] is polled on a fixed interval by [Poll]; each poll
// returns the complete current list. Nodes that drop out of the list
// are not removed at once: the node manager keeps them for a grace
// count of polls.
//
// [StaticProvider] re-reads a JSONC file on every poll, so the node
// list can be edited while the manager runs:
//
//	[
//	  // build farm
//	  {"address": "10.0.0.5", "port": 7777, "hostname": "farm1", "slots": 16},
//	  {"address": "10.0.0.6", "port": 7777, "slots": 8},
//	]
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/ccfarm/lib/clock"
	"github.com/bureau-foundation/ccfarm/lib/nodes"
)

// Node is one compile server as listed by a provider.
type Node struct {
	Address  string `json:"address" yaml:"address"`
	Port     int    `json:"port" yaml:"port"`
	Hostname string `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	Slots    int    `json:"slots" yaml:"slots"`
}

// Info converts n for the node manager.
func (n Node) Info() nodes.Info {
	return nodes.Info{Address: n.Address, Port: n.Port, Hostname: n.Hostname, Slots: n.Slots}
}

// Validate checks that n can be dialed and has capacity.
func (n Node) Validate() error {
	var errs []error
	if n.Address == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if n.Port <= 0 || n.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", n.Port))
	}
	if n.Slots <= 0 {
		errs = append(errs, fmt.Errorf("slots must be positive, got %d", n.Slots))
	}
	return errors.Join(errs...)
}

// Provider returns the current node list.
type Provider interface {
	Discover(ctx context.Context) ([]Node, error)
}

// ListProvider always returns the same nodes.
type ListProvider []Node

// Discover returns the list.
func (l ListProvider) Discover(context.Context) ([]Node, error) {
	return append([]Node(nil), l...), nil
}

// StaticProvider reads nodes from a JSONC file.
type StaticProvider struct {
	Path string
}

// Discover reads and validates the file.
func (s StaticProvider) Discover(context.Context) ([]Node, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("reading node list: %w", err)
	}
	return ParseNodes(data)
}

// ParseNodes parses a JSONC node list. Every entry must be valid.
func ParseNodes(data []byte) ([]Node, error) {
	var list []Node
	if err := json.Unmarshal(jsonc.ToJSON(data), &list); err != nil {
		return nil, fmt.Errorf("parsing node list: %w", err)
	}
	var errs []error
	for index, node := range list {
		if err := node.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("node %d: %w", index, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return list, nil
}

// Poll calls provider immediately and then every interval until ctx is
// done, passing each successful result to update. Failed polls are
// logged and skipped, so a transient error does not count against the
// nodes' grace period.
func Poll(ctx context.Context, provider Provider, clk clock.Clock, interval time.Duration, logger *slog.Logger, update func([]nodes.Info)) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		discovered, err := provider.Discover(ctx)
		if err != nil {
			logger.Warn("node discovery failed", "error", err)
		} else {
			infos := make([]nodes.Info, len(discovered))
			for index, node := range discovered {
				infos[index] = node.Info()
			}
			update(infos)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
