package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchMissingDirectoryIsNotFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, "/does/not/exist/config.json", func(*Config) {
			t.Error("no reload should ever fire")
		})
	}()

	// Give Watch time to hit the missing directory, then shut down.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("missing watch directory must not be fatal: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancellation")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{queue: {batch_window_ms: 1000}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	go Watch(ctx, path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	// Let the watcher attach before touching the file.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{queue: {batch_window_ms: 150}}`), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Queue.BatchWindowMS != 150 {
			t.Fatalf("reload delivered stale config: %d", cfg.Queue.BatchWindowMS)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload never fired")
	}
}
