package provision

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nuetzliches/kyudo"
)

// Watch blocks until ctx is done, re-applying the config at path whenever it
// changes. The watcher survives atomic replaces (rename-over) by watching the
// parent directory. A config that fails to parse or apply is logged and
// skipped; the factory keeps its current queues.
func Watch(ctx context.Context, path string, factory *kyudo.Factory, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %q: %w", dir, err)
	}

	logger.Info("watching_queue_config", slog.String("path", path))

	reload := func() {
		file, err := Load(path)
		if err != nil {
			logger.Error("queue_config_reload_failed", slog.Any("err", err))
			return
		}
		if err := Apply(factory, file); err != nil {
			logger.Error("queue_config_apply_failed", slog.Any("err", err))
			return
		}
		logger.Info("queue_config_applied", slog.Int("queues", len(file.Queues)))
	}

	// Debounce to coalesce bursty editor/atomic-write events.
	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(200 * time.Millisecond)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(200 * time.Millisecond)
		}
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("queue_config_watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			reload()
		}
	}
}
