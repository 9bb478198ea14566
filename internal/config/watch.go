package config

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 100 * time.Millisecond

// Watch reloads path whenever it changes and passes each valid result to onChange.
// Invalid files are logged and skipped. Watch returns once ctx is done.
//
// The parent directory is watched so replace-by-rename saves are seen.
func Watch(ctx context.Context, path string, logger *log.Logger, onChange func(*File)) error {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	path = filepath.Clean(path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer.Reset(reloadDelay)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Printf("config: watch %s: %v", path, err)
		case <-timer.C:
			f, err := Load(path)
			if err != nil {
				logger.Printf("config: reload skipped: %v", err)
				continue
			}
			logger.Printf("config: reloaded %s", path)
			onChange(f)
		}
	}
}
