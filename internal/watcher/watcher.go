// Package watcher waits for runtime session files to appear on disk.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrTimeout is returned when the file did not appear in time.
var ErrTimeout = errors.New("timed out waiting for file")

// Target describes what to wait for.
type Target struct {
	// Dirs are watched for create and write events. Missing dirs are skipped.
	Dirs []string
	// Exists reports whether the file is present.
	Exists func() bool
}

// WaitFor blocks until target.Exists reports true. It re-checks on every
// filesystem event in target.Dirs and at least every interval, so it still
// works where fsnotify is unavailable.
func WaitFor(ctx context.Context, target Target, timeout, interval time.Duration) error {
	if target.Exists == nil {
		return fmt.Errorf("wait target has no existence check")
	}
	if target.Exists() {
		return nil
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if w, err := fsnotify.NewWatcher(); err != nil {
		slog.Debug("fsnotify unavailable, polling only", "error", err)
	} else {
		defer w.Close()
		for _, dir := range target.Dirs {
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				continue
			}
			if err := w.Add(dir); err != nil {
				slog.Debug("failed to watch directory", "dir", dir, "error", err)
			}
		}
		events, errs = w.Events, w.Errors
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if target.Exists() {
				return nil
			}
			return ErrTimeout
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Debug("watcher error", "error", err)
			continue
		case <-ticker.C:
		}
		if target.Exists() {
			return nil
		}
	}
}

// FileExists returns an existence check for a fixed path.
func FileExists(path string) func() bool {
	return func() bool {
		_, err := os.Stat(path)
		return err == nil
	}
}
