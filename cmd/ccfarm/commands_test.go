// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/ccfarm/internal/manager"
	"github.com/bureau-foundation/ccfarm/lib/nodes"
	"github.com/bureau-foundation/ccfarm/lib/service"
	"github.com/bureau-foundation/ccfarm/lib/testutil"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := root(&stdout).execute(args, &stderr)
	return stdout.String(), stderr.String(), err
}

// adminSocket serves a fixed status on a Unix socket.
func adminSocket(t *testing.T, status manager.Status) string {
	t.Helper()
	path := filepath.Join(testutil.SocketDir(t), "admin.sock")
	server := service.NewAdminServer(path, slog.New(slog.DiscardHandler))
	server.Handle("status", func(context.Context, []byte) (any, error) { return status, nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, done, 5*time.Second, "admin socket shutdown")
	})
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "admin socket ready")
	return path
}

var sampleStatus = manager.Status{
	Nodes: []nodes.NodeStatus{{
		ID:              "farm1:7777",
		Address:         "10.0.0.5:7777",
		Slots:           16,
		Running:         3,
		AverageTaskTime: 1.25,
		Counters:        nodes.Counters{Sent: 40, Completed: 35, TooLate: 2},
	}},
	Queued:         4,
	Sessions:       3,
	CachedPayloads: 2,
}

func TestStatusTable(t *testing.T) {
	socket := adminSocket(t, sampleStatus)
	stdout, _, err := execute(t, "status", "--socket", socket)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"farm1:7777", "10.0.0.5:7777", "1.25s", "queued: 4", "sessions: 3", "cached payloads: 2"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("status output lacks %q:\n%s", want, stdout)
		}
	}
}

func TestStatusJSON(t *testing.T) {
	socket := adminSocket(t, manager.Status{})
	stdout, _, err := execute(t, "status", "--socket", socket, "--json")
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(stdout), &decoded); err != nil {
		t.Fatalf("status --json is not JSON: %v\n%s", err, stdout)
	}
	if nodeList, ok := decoded["Nodes"].([]any); !ok || len(nodeList) != 0 {
		t.Errorf("Nodes = %#v, want an empty list", decoded["Nodes"])
	}
}

func TestStatusWithoutManager(t *testing.T) {
	missing := filepath.Join(testutil.SocketDir(t), "absent.sock")
	if _, _, err := execute(t, "status", "--socket", missing); err == nil {
		t.Fatal("status succeeded without a manager")
	}
}

func TestNodesCheck(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "nodes.jsonc")
	os.WriteFile(good, []byte(`[
  // build farm
  {"address": "10.0.0.5", "port": 7777, "hostname": "farm1", "slots": 16},
  {"address": "10.0.0.6", "port": 7777, "slots": 8},
]`), 0o644)
	stdout, _, err := execute(t, "nodes", "check", good)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "farm1:7777") || !strings.Contains(stdout, "2 nodes, 24 slots") {
		t.Errorf("nodes check output:\n%s", stdout)
	}

	bad := filepath.Join(dir, "bad.jsonc")
	os.WriteFile(bad, []byte(`[{"address": "10.0.0.5", "port": 0, "slots": 1}]`), 0o644)
	if _, _, err := execute(t, "nodes", "check", bad); err == nil || !strings.Contains(err.Error(), "port") {
		t.Errorf("invalid node list error = %v", err)
	}
}

func TestConfigCheck(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "ccfarm.yaml")
	os.WriteFile(path, []byte(`environment: production
paths:
  root: `+root+`
manager:
  machine_id: dev-host
  grace_polls: 2
production:
  manager:
    max_attempts: 5
`), 0o644)

	stdout, _, err := execute(t, "config", "check", "--config", path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"machine_id: dev-host", "max_attempts: 5", "grace_polls: 2", "root: " + root} {
		if !strings.Contains(stdout, want) {
			t.Errorf("config check output lacks %q:\n%s", want, stdout)
		}
	}

	os.WriteFile(path, []byte("manager:\n  machine_id: a/b\n"), 0o644)
	if _, _, err := execute(t, "config", "check", "--config", path); err == nil {
		t.Error("invalid machine id accepted")
	}
}

func TestUnknownCommandSuggestsClosest(t *testing.T) {
	_, _, err := execute(t, "statsu")
	if err == nil || !strings.Contains(err.Error(), `did you mean "status"`) {
		t.Errorf("error = %v", err)
	}
	_, stderr, err := execute(t, "--help")
	if err != nil || !strings.Contains(stderr, "status") || !strings.Contains(stderr, "nodes") {
		t.Errorf("help = %q, %v", stderr, err)
	}
	if _, _, err := execute(t, "nodes"); err == nil {
		t.Error("group without subcommand accepted")
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"status", "status", 0},
		{"statsu", "status", 2},
		{"", "abc", 3},
		{"nodes", "node", 1},
	}
	for _, test := range tests {
		if got := levenshtein(test.a, test.b); got != test.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", test.a, test.b, got, test.want)
		}
	}
}
