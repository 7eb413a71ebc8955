package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	appLog "calsync/internal/log"
)

const watchDebounce = 250 * time.Millisecond

// Watch calls onChange with the reloaded configuration whenever the file at
// path is written or replaced, until ctx is done. The directory is watched
// so editors that save via rename are seen too. A file that fails to load
// or validate is logged and skipped.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()

	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("config watch %s: %w", filepath.Dir(target), err)
	}

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				fire = time.After(watchDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			appLog.Error("config watch error", err)
		case <-fire:
			fire = nil
			cfg, err := read(target)
			if err != nil {
				appLog.Error("config reload failed, keeping current config", err, "path", target)
				continue
			}
			if err := ApplyEnv(cfg); err != nil {
				appLog.Error("config reload failed, keeping current config", err, "path", target)
				continue
			}
			if err := cfg.Validate(); err != nil {
				appLog.Error("config reload invalid, keeping current config", err, "path", target)
				continue
			}
			appLog.Info("config reloaded", "path", target)
			onChange(cfg)
		}
	}
}
