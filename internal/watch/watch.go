// Package watch 監聽 drain 標記檔案 (drain marker file)。
//
// Creating the marker file asks the daemon to stop claiming new work and
// exit once the in-flight builds have been reported.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ErrNoPath is returned when no marker path was configured.
var ErrNoPath = errors.New("watch: no marker path")

// Exists reports whether the marker file is present.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DrainFile calls onCreate once the file at path exists. If the file is
// already present when DrainFile is called, onCreate runs immediately.
// The parent directory is watched rather than the file itself so the marker
// can be created after startup. DrainFile returns nil after onCreate ran or
// ctx is done.
func DrainFile(ctx context.Context, path string, logger *slog.Logger, onCreate func()) error {
	if path == "" {
		return ErrNoPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve marker path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(abs)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	// Checked after Add so a file created in between is not missed.
	if Exists(abs) {
		logger.Info("drain marker present", "path", abs)
		onCreate()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				logger.Info("drain marker created", "path", abs)
				onCreate()
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("drain marker watcher error", "error", err)
		}
	}
}
