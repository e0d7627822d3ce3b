package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"examrelay/internal/logging"
)

// Watch reloads path on every write and hands the new Config to onChange until ctx
// is cancelled. A reload that fails to parse or validate is logged and skipped,
// leaving the previous configuration in force.
func Watch(ctx context.Context, path string, logger *zap.Logger, onChange func(*Config)) error {
	logger = logging.OrNop(logger).Named("config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	logger.Info("watching for changes", zap.String("path", path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// TECHNICAL DISCOVERY: Editors save atomically via rename, which surfaces as Create
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				logger.Error("reload failed, keeping previous config", zap.String("path", path), zap.Error(err))
				continue
			}

			logger.Info("reloaded", zap.String("path", path))
			onChange(cfg)

			// Re-add in case an atomic save replaced the inode
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher error", zap.Error(err))
		}
	}
}
