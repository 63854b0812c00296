package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"codeward/internal/logging"
)

// Watch warns when the config file changes mid-session. Configuration is
// immutable for a running session, so the watcher never reloads anything;
// it exists so the operator learns a restart is needed. Watch returns
// once the watcher is installed and stops when ctx is cancelled.
func Watch(ctx context.Context, cfg *Config) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save and
	// a direct file watch would go stale after the first write.
	if err := watcher.Add(cfg.stateDir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", cfg.stateDir, err)
	}

	target := cfg.Path()
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					logging.ConfigWarn("%s changed on disk; the running session keeps its original configuration — restart to apply", target)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.ConfigWarn("Config watcher error: %v", err)
			}
		}
	}()

	logging.Config("Watching %s for changes", target)
	return nil
}
