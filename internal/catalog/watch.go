package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-file-service/internal/snapshot"
)

// DefaultWatchDebounce coalesces bursts of directory events into one refresh.
const DefaultWatchDebounce = 250 * time.Millisecond

// Watch refreshes the catalog when snapshot files appear in or leave dir
// outside of the upload path, e.g. retention jobs or manual copies. Events for
// names that do not parse are ignored. Blocks until ctx is done.
func (c *Catalog) Watch(ctx context.Context, dir string, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	c.logger.Info("catalog watcher started", zap.String("dir", dir))

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			c.logger.Debug("snapshot directory changed",
				zap.String("file", filepath.Base(event.Name)),
				zap.String("op", event.Op.String()),
			)
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			}

		case <-fire:
			timer, fire = nil, nil
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("watch-triggered catalog refresh failed", zap.Error(err))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Error("catalog watcher error", zap.String("dir", dir), zap.Error(err))
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	_, err := snapshot.Parse(filepath.Base(event.Name))
	return err == nil
}
