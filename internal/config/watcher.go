package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/steer/internal/logging"
)

// Watch reloads the config file on change and calls onReload with the new
// config. Only tenant policy and canary sections are expected to change at
// runtime; listeners are not rebound. Invalid edits are logged and skipped.
func Watch(path string, onReload func(*Config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files, which drops the watch on
	// the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	loader := NewLoader()
	base := filepath.Base(path)

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := loader.Load(path)
				if err != nil {
					logging.Warn("Config reload failed, keeping previous config",
						zap.String("path", path),
						zap.Error(err),
					)
					continue
				}
				logging.Info("Config reloaded",
					zap.String("path", path),
					zap.Int("tenants", len(cfg.Tenants)),
				)
				onReload(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn("Config watcher error", zap.Error(err))
			}
		}
	}()

	return watcher, nil
}
