package supervisor_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/g7ctrl/g7ctrld/internal/config"
	"github.com/g7ctrl/g7ctrld/internal/supervisor"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Paths.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Paths.DBDir = filepath.Join(t.TempDir(), "db")
	// Port 0 lets the OS pick a free ephemeral port per listener.
	cfg.Net.CmdPort = 0
	cfg.Net.TrkPort = 0
	cfg.Auth.RequirePassword = false
	return cfg
}

func TestNewBuildsAndRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	sup, err := supervisor.New(cfg, discardLogger(), prometheus.NewRegistry(), "g7ctrld-test")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// Give the registry's accept loops a moment to start listening before
	// asking them to stop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on clean shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestReloadRefreshesPresetsWithoutRestartingListeners(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	sup, err := supervisor.New(cfg, discardLogger(), prometheus.NewRegistry(), "g7ctrld-test")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	reloaded := config.DefaultConfig()
	reloaded.Paths.DataDir = cfg.Paths.DataDir
	reloaded.Paths.DBDir = cfg.Paths.DBDir
	reloaded.Net.CmdPort = cfg.Net.CmdPort
	reloaded.Net.TrkPort = cfg.Net.TrkPort

	if err := sup.Reload(reloaded); err != nil {
		t.Errorf("Reload() error: %v", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// TestRunPersistsCachesAcrossRestart exercises the cache persistence path
// (spec.md Section 8): shutdown writes both cache files under DataDir, and
// a freshly-constructed Supervisor sharing that DataDir restores from them
// and runs cleanly. Cache contents are not compared.
func TestRunPersistsCachesAcrossRestart(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)

	sup1, err := supervisor.New(cfg, discardLogger(), prometheus.NewRegistry(), "g7ctrld-test")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup1.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("first Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first Run did not return")
	}

	for _, name := range []string{"geoloc_addrcache.txt", "geoloc_minimapcache.txt"} {
		if _, err := os.Stat(filepath.Join(cfg.Paths.DataDir, name)); err != nil {
			t.Errorf("cache file %s not written at shutdown: %v", name, err)
		}
	}

	// A second Supervisor over the same DataDir should restore cleanly
	// (an empty cache file or a missing one is not an error).
	sup2, err := supervisor.New(cfg, discardLogger(), prometheus.NewRegistry(), "g7ctrld-test")
	if err != nil {
		t.Fatalf("second New() error: %v", err)
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	done2 := make(chan error, 1)
	go func() { done2 <- sup2.Run(ctx2) }()
	time.Sleep(50 * time.Millisecond)
	cancel2()

	select {
	case err := <-done2:
		if err != nil {
			t.Errorf("second Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second Run did not return")
	}
}
