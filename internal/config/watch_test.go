package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRoutingWatcher_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routing.toml")
	if err := os.WriteFile(path, []byte("[suffixes]\nfinance = \"analyst\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{
		Agents: []AgentConfig{{ID: "router"}, {ID: "analyst"}, {ID: "office"}},
		Routing: RoutingConfig{
			Fallback: "router",
			File:     path,
		},
	}

	changes := make(chan RoutingConfig, 4)
	w := NewRoutingWatcher(cfg, cfg.Routing, slog.New(slog.NewTextHandler(io.Discard, nil)), func(rc RoutingConfig) {
		changes <- rc
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(50 * time.Millisecond)

	// An invalid table is ignored.
	if err := os.WriteFile(path, []byte("[suffixes]\nfinance = \"payroll\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case rc := <-changes:
		t.Fatalf("invalid table published: %v", rc.Suffixes)
	case <-time.After(300 * time.Millisecond):
	}

	if err := os.WriteFile(path, []byte("[suffixes]\nfinance = \"office\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case rc := <-changes:
		if rc.Suffixes["finance"] != "office" {
			t.Errorf("reloaded suffixes = %v", rc.Suffixes)
		}
		if rc.Fallback != "router" {
			t.Errorf("reloaded fallback = %q, want base value", rc.Fallback)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("routing change not observed")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
