// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ManuGH/debugd/internal/log"
)

// Watch observes the config file and invokes onChange with the freshly
// loaded configuration whenever it is rewritten. It blocks until ctx is
// cancelled. Events are debounced because editors and atomic-write tools
// emit bursts of CREATE/WRITE/RENAME for a single save.
func Watch(ctx context.Context, path string, onChange func(AppConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory, not the file: atomic replace swaps the inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	logger := log.WithComponent("config")
	target := filepath.Clean(path)

	var timer *time.Timer
	reload := func() {
		cfg, err := NewLoader(path).Load()
		if err != nil {
			logger.Warn().Err(err).Str("event", "config.reload_failed").Msg("ignoring invalid config change")
			return
		}
		logger.Info().Str("event", "config.reloaded").Str("path", path).Msg("configuration reloaded")
		onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Str("event", "config.watch_error").Msg("config watcher error")
		}
	}
}
