package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Watcher reloads a configuration file when it changes on disk. It watches
// the containing directory so editors that replace the file are seen.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(Config)
	logger   Logger
	watcher  *fsnotify.Watcher
}

type WatcherOptions struct {
	Path     string
	Debounce time.Duration
	OnChange func(Config)
	Logger   Logger
}

func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if opts.OnChange == nil {
		return nil, fmt.Errorf("change callback is required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	path := filepath.Clean(opts.Path)
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	return &Watcher{
		path:     path,
		debounce: opts.Debounce,
		onChange: opts.OnChange,
		logger:   opts.Logger,
		watcher:  fw,
	}, nil
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}

// Run blocks until ctx is done, then closes the underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logf("config watcher: %v", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, warnings, err := Load(w.path)
	if err != nil && !errors.Is(err, ErrNotFound) {
		w.logf("config reload %s: %v", w.path, err)
		return
	}
	if errors.Is(err, ErrNotFound) {
		w.logf("config %s removed, using defaults", w.path)
	}
	for _, warning := range warnings {
		w.logf("config %s: %s", w.path, warning)
	}
	w.onChange(cfg)
}
