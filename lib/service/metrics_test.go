// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/ccfarm/lib/testutil"
)

func get(t *testing.T, url string) string {
	t.Helper()
	response, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatal(err)
	}
	if response.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: %s", url, response.Status)
	}
	return string(body)
}

func TestMetricsServerExposesRegistry(t *testing.T) {
	registry := NewRegistry()
	sessions := prometheus.NewGauge(prometheus.GaugeOpts{Name: "ccfarm_test_sessions", Help: "Sessions."})
	registry.MustRegister(sessions)
	sessions.Set(3)

	server := NewMetricsServer("127.0.0.1:0", registry, slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "metrics ready")

	base := "http://" + server.Addr().String()
	metrics := get(t, base+"/metrics")
	if !strings.Contains(metrics, "ccfarm_test_sessions 3") {
		t.Errorf("metrics lack the registered gauge:\n%s", metrics)
	}
	if !strings.Contains(metrics, "go_goroutines") {
		t.Error("metrics lack the Go collector")
	}
	if body := get(t, base+"/healthz"); body != "ok\n" {
		t.Errorf("healthz = %q", body)
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "metrics shutdown"); err != nil {
		t.Errorf("Serve: %v", err)
	}
}
