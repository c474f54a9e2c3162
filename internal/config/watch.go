package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchSettle coalesces editor write bursts into one reload.
const watchSettle = 500 * time.Millisecond

// Watch reloads the config file on change and hands the result to
// onReload. It blocks until ctx is done. Reload failures keep the
// previous config in effect.
func Watch(ctx context.Context, path string, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files, which would orphan a
	// direct file watch. A directory that does not exist yet just means
	// no hot reload; the bridge keeps running on the loaded config.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		slog.Warn("config: hot reload disabled, cannot watch directory",
			"dir", filepath.Dir(path), "error", err)
		<-ctx.Done()
		return nil
	}

	var settle *time.Timer
	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			slog.Warn("config: reload failed, keeping previous", "error", err)
			return
		}
		slog.Info("config: reloaded", "path", path)
		onReload(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if settle != nil {
				settle.Stop()
			}
			settle = time.AfterFunc(watchSettle, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watcher error", "error", err)
		}
	}
}
