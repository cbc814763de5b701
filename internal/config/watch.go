package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the write bursts editors produce into one reload.
const debounceWindow = 500 * time.Millisecond

// Watch observes the config file and calls onChange with the freshly loaded
// configuration after every change that passes Reload's rules. Rejected
// reloads (parse errors, [Connection] edits) are logged and skipped; the
// watcher keeps running until ctx ends.
func Watch(ctx context.Context, log *slog.Logger, current *Config, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: editors often replace the file, which drops a
	// watch held on the file itself.
	dir := filepath.Dir(current.Path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		cfg := current
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != cfg.Path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(debounceWindow)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watch error", "error", err)
			case <-pending:
				pending = nil
				fresh, err := cfg.Reload()
				if err != nil {
					log.Warn("config reload skipped", "error", err)
					continue
				}
				log.Info("config reloaded", "path", cfg.Path)
				cfg = fresh
				onChange(fresh)
			}
		}
	}()
	return nil
}
