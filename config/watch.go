package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zhubert/plural-appserver/logger"
)

// watchDebounce coalesces the burst of events an editor save produces.
var watchDebounce = 100 * time.Millisecond

// Watch reloads the settings file at path whenever it changes and passes
// the result to onChange. A file that fails to load is logged and skipped.
// The parent directory is watched so that atomic renames are seen. Watch
// blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Settings)) error {
	log := logger.WithComponent("config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !SamePath(filepath.Clean(event.Name), filepath.Clean(path)) {
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(watchDebounce)

		case <-debounce.C:
			s, err := LoadFile(path)
			if err != nil {
				log.Warn("ignoring invalid settings", "path", path, "error", err)
				continue
			}
			log.Debug("settings reloaded", "path", path)
			onChange(s)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("settings watcher error", "error", err)
		}
	}
}
