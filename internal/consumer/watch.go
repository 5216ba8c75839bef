package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// watchDebounceInterval is how often the watcher checks whether a
	// burst of writes to the consumers file has settled.
	watchDebounceInterval = 250 * time.Millisecond

	// watchSettleTime is how long the file must be quiet before it is
	// reloaded.
	watchSettleTime = 200 * time.Millisecond
)

// Watch re-syncs the consumers file at path into r whenever it changes,
// until ctx is cancelled. The parent directory is watched rather than the
// file itself so that editors which save by rename are picked up. A file
// that fails to parse is logged and skipped; the registry keeps its
// previous contents.
func Watch(ctx context.Context, path string, r Registry, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving consumers file path: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching consumers dir: %w", err)
	}

	logger.Info("consumers file watcher started", slog.String("path", abs))

	var changed time.Time

	ticker := time.NewTicker(watchDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != abs {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				changed = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			logger.Warn("consumers watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if changed.IsZero() || time.Since(changed) < watchSettleTime {
				continue
			}
			changed = time.Time{}

			reload(ctx, abs, r, logger)
		}
	}
}

func reload(ctx context.Context, path string, r Registry, logger *slog.Logger) {
	consumers, err := LoadFile(path)
	if err != nil {
		logger.Warn("consumers file reload failed", slog.String("error", err.Error()))
		return
	}

	if err := Sync(ctx, r, consumers, logger); err != nil {
		logger.Warn("consumers file sync failed", slog.String("error", err.Error()))
		return
	}

	logger.Info("consumers file reloaded", slog.Int("count", len(consumers)))
}
