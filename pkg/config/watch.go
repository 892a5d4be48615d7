package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces the burst of events an editor save produces.
const DefaultWatchDebounce = 200 * time.Millisecond

// WatchOptions configure Watch.
type WatchOptions struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

func (o *WatchOptions) withDefaults() WatchOptions {
	opts := *o
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultWatchDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Watch calls onChange with every new valid version of the file at path.
// The content present when Watch starts is the baseline and is not reported.
// Invalid versions are logged and skipped. The parent directory is watched so
// files replaced by rename keep being followed. Watch returns ctx.Err() when
// ctx is done.
func Watch(ctx context.Context, path string, opts WatchOptions, onChange func(*File)) error {
	opts = opts.withDefaults()
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	logger := opts.Logger.With("config", abs)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}
	last, _ := os.ReadFile(abs)

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-w.Errors:
			if !ok {
				return ctx.Err()
			}
			logger.Warn("watch error", "error", err)
		case ev, ok := <-w.Events:
			if !ok {
				return ctx.Err()
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
				continue
			}
			settle = time.After(opts.Debounce)
		case <-settle:
			settle = nil
			data, err := os.ReadFile(abs)
			if err != nil || bytes.Equal(data, last) {
				continue
			}
			last = data
			f, err := Load(abs)
			if err != nil {
				logger.Warn("ignoring invalid declarations", "error", err)
				continue
			}
			logger.Info("declarations changed", "collections", len(f.Collections))
			onChange(f)
		}
	}
}
